// Package signal collects the evidence inputs one loop iteration is
// classified on. Sources are external collaborators; collection fans
// out concurrently but never advances until every source has returned
// or timed out, and a timeout is recorded as a degraded signal rather
// than a crash so classification can still proceed deterministically.
package signal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Signal is one collected fact.
type Signal struct {
	Name     string        `json:"name"`
	Value    any           `json:"value"`
	Degraded bool          `json:"degraded,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Source   string        `json:"source"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Set is the merged output of one collection round, keyed by signal name.
type Set map[string]Signal

// PolicyInput flattens the set for rule evaluation. Healthy signals
// contribute their value under their own name; a degraded source
// contributes "<source>_degraded: true" so policies can match failure
// explicitly instead of silently passing.
func (s Set) PolicyInput() map[string]any {
	out := make(map[string]any, len(s))
	for name, sig := range s {
		if sig.Degraded {
			out[name+"_degraded"] = true
			continue
		}
		out[name] = sig.Value
	}
	return out
}

// Degraded reports the names of degraded signals in the set.
func (s Set) Degraded() []string {
	var names []string
	for name, sig := range s {
		if sig.Degraded {
			names = append(names, name)
		}
	}
	return names
}

// Source produces named signal values. Implementations must honor ctx;
// the collector enforces a hard per-source deadline regardless.
type Source interface {
	Name() string
	Collect(ctx context.Context) (map[string]any, error)
}

// Collector fans out over sources with a mandatory per-source timeout.
type Collector struct {
	sources []Source
	timeout time.Duration
	limiter *rate.Limiter
}

// Option configures a Collector.
type Option func(*Collector)

// WithRateLimit throttles source collection to r events/sec with the
// given burst. Useful when probes hit shared infrastructure.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Collector) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// NewCollector creates a collector over sources. timeout is the
// per-source budget; it is mandatory and defaults to 10s when
// non-positive.
func NewCollector(sources []Source, timeout time.Duration, opts ...Option) *Collector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Collector{sources: sources, timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs every source concurrently and merges the results. It
// always returns a complete Set: a source that errors or exceeds its
// budget yields one degraded signal named after the source.
func (c *Collector) Collect(ctx context.Context) Set {
	out := make(Set)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(gctx); err != nil {
					c.recordDegraded(&mu, out, src.Name(), 0, err)
					return nil
				}
			}

			srcCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()

			start := time.Now()
			values, err := collectWithDeadline(srcCtx, src)
			elapsed := time.Since(start)

			if err != nil {
				c.recordDegraded(&mu, out, src.Name(), elapsed, err)
				return nil
			}

			mu.Lock()
			for name, v := range values {
				out[name] = Signal{
					Name:    name,
					Value:   v,
					Source:  src.Name(),
					Elapsed: elapsed,
				}
			}
			mu.Unlock()
			return nil
		})
	}
	// Sources report failure through degraded signals, never errors.
	_ = g.Wait()
	return out
}

// collectWithDeadline runs one source and abandons it when ctx
// expires, so a source that ignores its ctx degrades instead of
// stalling the whole sweep. The abandoned goroutine's result is
// discarded whenever it eventually returns.
func collectWithDeadline(ctx context.Context, src Source) (map[string]any, error) {
	type result struct {
		values map[string]any
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		values, err := src.Collect(ctx)
		ch <- result{values, err}
	}()

	select {
	case r := <-ch:
		return r.values, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Collector) recordDegraded(mu *sync.Mutex, out Set, name string, elapsed time.Duration, err error) {
	zap.L().Warn("signal source degraded",
		zap.String("source", name),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	mu.Lock()
	out[name] = Signal{
		Name:     name,
		Degraded: true,
		Reason:   err.Error(),
		Source:   name,
		Elapsed:  elapsed,
	}
	mu.Unlock()
}
