package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/quorumfield/stabilizer-cli/internal/signal"
	"github.com/quorumfield/stabilizer-cli/internal/store"
)

func policyPathOr(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Policy.Path
}

func ledgerPathOr(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Ledger.Path
}

// buildCollector assembles signal sources from config: TCP and HTTP
// probes plus file-system facts, with an optional collection rate cap.
func buildCollector() *signal.Collector {
	var sources []signal.Source
	for _, p := range cfg.Signals.TCPProbes {
		sources = append(sources, signal.TCPProbe{ProbeName: p.Name, Addr: p.Address})
	}
	for _, p := range cfg.Signals.HTTPProbes {
		sources = append(sources, signal.HTTPProbe{ProbeName: p.Name, URL: p.URL})
	}
	for _, path := range cfg.Signals.FileFactsPaths {
		name := "file_" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sources = append(sources, signal.FileFacts{FactName: name, Path: path})
	}

	timeout := time.Duration(cfg.Signals.TimeoutSecs) * time.Second
	var opts []signal.Option
	if cfg.Signals.RatePerSecond > 0 {
		opts = append(opts, signal.WithRateLimit(rate.Limit(cfg.Signals.RatePerSecond), 1))
	}
	return signal.NewCollector(sources, timeout, opts...)
}

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
