// Package loop implements the bounded stabilization iteration: collect
// signals, classify against policy, retry-or-terminate, and record
// every terminal iteration in the evidence ledger exactly once.
package loop

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/policy"
	"github.com/quorumfield/stabilizer-cli/internal/signal"
)

// Config controls one loop run.
type Config struct {
	Iterations int
	MaxRetries int
	// Interval is the pause between iterations.
	Interval time.Duration
	// RetryDelay is the base inter-attempt delay; actual delays back
	// off exponentially with jitter, capped at MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	EmitAlerts    bool
	// OutRoot, when set, receives one iteration record file per
	// terminal iteration plus any alert artifacts.
	OutRoot string
}

// IterationResult is the terminal state of one iteration.
type IterationResult struct {
	Iteration      int                   `json:"iteration"`
	Attempts       int                   `json:"attempts"`
	RetriesUsed    int                   `json:"retries_used"`
	Classification policy.Classification `json:"classification"`
	// UnknownFlagged marks iterations whose last classification was
	// UNKNOWN; they retry like SOFT_FAIL but are recorded distinctly.
	UnknownFlagged bool           `json:"unknown_flagged,omitempty"`
	Success        bool           `json:"success"`
	Signals        map[string]any `json:"signals"`
	Degraded       []string       `json:"degraded_signals,omitempty"`
	AlertPath      string         `json:"alert_path,omitempty"`
	LedgerSequence int64          `json:"ledger_sequence"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Result aggregates a whole run.
type Result struct {
	Iterations []IterationResult `json:"iterations"`
	Failed     int               `json:"failed"`
	Stopped    bool              `json:"stopped,omitempty"`
}

// Runner executes bounded iterations against one ledger handle. The
// ledger is an explicit dependency, never a global.
type Runner struct {
	cfg       Config
	pol       *policy.Policy
	collector *signal.Collector
	led       *ledger.Ledger
	alerter   *Alerter
}

// NewRunner wires a runner. alerter may be nil when alerting is
// disabled.
func NewRunner(cfg Config, pol *policy.Policy, collector *signal.Collector, led *ledger.Ledger, alerter *Alerter) *Runner {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	return &Runner{cfg: cfg, pol: pol, collector: collector, led: led, alerter: alerter}
}

// Run executes the configured iterations sequentially. Evidence must
// be strictly ordered in the ledger, so iterations never overlap; only
// signal collection inside one attempt fans out. Cancellation is
// honored between attempts and iterations, never mid-append.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	log := zap.L().With(zap.String("component", "loop"))

	for i := 1; i <= r.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			log.Info("loop stopped before iteration", zap.Int("iteration", i))
			return res, nil
		}

		iter, err := r.runIteration(ctx, i, log)
		if err != nil {
			return res, err
		}
		res.Iterations = append(res.Iterations, *iter)
		if !iter.Success {
			res.Failed++
		}

		if i < r.cfg.Iterations && r.cfg.Interval > 0 {
			if !sleepCtx(ctx, r.cfg.Interval) {
				res.Stopped = true
				return res, nil
			}
		}
	}
	return res, nil
}

// runIteration drives one iteration through the state machine:
// COLLECTING -> CLASSIFYING -> {RETRY, TERMINAL}.
func (r *Runner) runIteration(ctx context.Context, iteration int, log *zap.Logger) (*IterationResult, error) {
	retriesUsed := 0

	for {
		attempt := retriesUsed + 1

		// COLLECTING: always terminates; sources degrade, never hang.
		set := r.collector.Collect(ctx)

		// CLASSIFYING.
		cls := r.pol.Classify(set.PolicyInput())
		log.Info("iteration classified",
			zap.Int("iteration", iteration),
			zap.Int("attempt", attempt),
			zap.String("outcome", string(cls.Outcome)),
			zap.String("rule", cls.RuleID),
		)

		effective := cls.Outcome
		unknownFlagged := cls.Outcome == policy.Unknown
		if unknownFlagged {
			// UNKNOWN retries like SOFT_FAIL but stays visible as
			// UNKNOWN in the recorded payload.
			effective = policy.SoftFail
		}

		switch effective {
		case policy.Pass:
			return r.finishIteration(iteration, attempt, retriesUsed, cls, set, true, "", unknownFlagged)

		case policy.HardFail:
			alertPath := r.emitAlert(ctx, AlertHardFail, iteration, attempt, cls, set)
			return r.finishIteration(iteration, attempt, retriesUsed, cls, set, false, alertPath, unknownFlagged)

		default: // SOFT_FAIL, including flagged UNKNOWN
			if retriesUsed >= r.cfg.MaxRetries {
				alertPath := r.emitAlert(ctx, AlertSoftFailExhausted, iteration, attempt, cls, set)
				return r.finishIteration(iteration, attempt, retriesUsed, cls, set, false, alertPath, unknownFlagged)
			}
			retriesUsed++
			delay := backoffDelay(r.cfg.RetryDelay, r.cfg.MaxRetryDelay, retriesUsed-1)
			if !sleepCtx(ctx, delay) {
				// Stop requested: the attempt already made is terminal.
				alertPath := r.emitAlert(ctx, AlertSoftFailExhausted, iteration, attempt, cls, set)
				return r.finishIteration(iteration, attempt, retriesUsed-1, cls, set, false, alertPath, unknownFlagged)
			}
		}
	}
}

// finishIteration performs TERMINAL: exactly one ledger append per
// iteration, then an optional iteration record file.
func (r *Runner) finishIteration(iteration, attempts, retriesUsed int, cls policy.Classification, set signal.Set, success bool, alertPath string, unknownFlagged bool) (*IterationResult, error) {
	iter := &IterationResult{
		Iteration:      iteration,
		Attempts:       attempts,
		RetriesUsed:    retriesUsed,
		Classification: cls,
		UnknownFlagged: unknownFlagged,
		Success:        success,
		Signals:        set.PolicyInput(),
		Degraded:       set.Degraded(),
		AlertPath:      alertPath,
		FinishedAt:     time.Now().UTC(),
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	payload := map[string]any{
		"type":           "loop_iteration",
		"iteration":      iteration,
		"attempts":       attempts,
		"retries_used":   retriesUsed,
		"classification": string(cls.Outcome),
		"rule_id":        cls.RuleID,
		"policy_version": cls.PolicyVersion,
		"outcome":        outcome,
		"signals":        iter.Signals,
	}
	if unknownFlagged {
		payload["unknown"] = true
	}
	if len(iter.Degraded) > 0 {
		payload["degraded_signals"] = iter.Degraded
	}
	if alertPath != "" {
		payload["alert_path"] = alertPath
	}

	ev, err := r.led.Append(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "loop: record iteration %d", iteration)
	}
	iter.LedgerSequence = ev.Sequence

	if r.cfg.OutRoot != "" {
		if err := writeIterationRecord(r.cfg.OutRoot, iter); err != nil {
			return nil, err
		}
	}
	return iter, nil
}

func (r *Runner) emitAlert(ctx context.Context, kind AlertKind, iteration, attempt int, cls policy.Classification, set signal.Set) string {
	if !r.cfg.EmitAlerts || r.alerter == nil {
		return ""
	}
	return r.alerter.Emit(ctx, Alert{
		Kind:           kind,
		Iteration:      iteration,
		Attempt:        attempt,
		Classification: cls,
		Degraded:       set.Degraded(),
		Timestamp:      time.Now().UTC(),
	})
}

func backoffDelay(base, max time.Duration, retry int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(retry))
	if delay > float64(max) {
		delay = float64(max)
	}
	// ±25% jitter, matching the backoff used for external calls.
	jitter := (rand.Float64()*2 - 1) * delay * 0.25
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IterationRecordName returns the record file name for an iteration.
func IterationRecordName(iteration int) string {
	return fmt.Sprintf("iter_%04d.json", iteration)
}
