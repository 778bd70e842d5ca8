package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/agreement"
	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long:  "Serves ledger verification status, recent events, agreement reports, and recorded campaigns over HTTP. The API never mutates the ledger; the loop process remains the single writer.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return configErr(err)
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		r := buildRouter(statusAPI{
			store:          st,
			ledgerPath:     cfg.Ledger.Path,
			nodes:          cfg.Agreement.Nodes,
			sharedLocation: cfg.Agreement.SharedLocation,
			origins:        allowedOrigins(),
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("status API listening", zap.Int("port", port))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return eris.Wrap(err, "shutdown")
			}
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve")
			}
			return nil
		}
	},
}

// statusAPI holds the read-only dependencies the router serves from.
type statusAPI struct {
	store          store.Store
	ledgerPath     string
	nodes          []string
	sharedLocation string
	origins        []string
}

func buildRouter(api statusAPI) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: api.origins,
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ledger/status", func(w http.ResponseWriter, req *http.Request) {
		res, err := ledger.Verify(api.ledgerPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/ledger/tail", func(w http.ResponseWriter, req *http.Request) {
		n := 10
		if q := req.URL.Query().Get("n"); q != "" {
			parsed, err := strconv.Atoi(q)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, eris.New("n must be a positive integer"))
				return
			}
			n = parsed
		}
		events, err := ledger.Tail(api.ledgerPath, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	r.Get("/agreement", func(w http.ResponseWriter, req *http.Request) {
		if len(api.nodes) == 0 || api.sharedLocation == "" {
			writeError(w, http.StatusServiceUnavailable, eris.New("agreement is not configured"))
			return
		}
		report, err := agreement.Check(api.nodes, api.sharedLocation)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/campaigns", func(w http.ResponseWriter, req *http.Request) {
		runs, err := api.store.ListCampaigns(req.Context(), store.CampaignFilter{Limit: 50})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	return r
}

func allowedOrigins() []string {
	if len(cfg.Server.AllowedOrigins) > 0 {
		return cfg.Server.AllowedOrigins
	}
	return []string{"*"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (defaults to server.port)")
	rootCmd.AddCommand(serveCmd)
}
