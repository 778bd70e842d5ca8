// Package campaign runs ordered batches of stabilization loops with
// idempotent resume: a batch whose on-disk iteration count matches the
// expected count is never re-run, and a partial batch is discarded and
// re-run from scratch rather than patched in place.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/loop"
	"github.com/quorumfield/stabilizer-cli/internal/policy"
	"github.com/quorumfield/stabilizer-cli/internal/signal"
)

const (
	batchResultName    = "batch_result.json"
	campaignResultName = "campaign_result.json"
	summaryName        = "summary.txt"
)

// Config controls one campaign.
type Config struct {
	Batches            int
	IterationsPerBatch int
	ContinueOnFail     bool
	// OutRoot holds one batch_%04d directory per batch plus the
	// campaign summary and result files.
	OutRoot string
	// Loop is the per-batch runner template; Iterations and OutRoot
	// are overridden per batch.
	Loop loop.Config
}

// BatchResult is the recorded outcome of one batch.
type BatchResult struct {
	BatchID             int       `json:"batch_id"`
	IterationsExpected  int       `json:"iterations_expected"`
	IterationsCompleted int       `json:"iterations_completed"`
	ResultCode          int       `json:"result_code"`
	Skipped             bool      `json:"skipped,omitempty"`
	Dir                 string    `json:"dir"`
	FinishedAt          time.Time `json:"finished_at"`
}

// Result aggregates a campaign run.
type Result struct {
	Batches       []BatchResult             `json:"batches"`
	FailedBatches int                       `json:"failed_batches"`
	Stopped       bool                      `json:"stopped,omitempty"`
	LedgerVerify  ledger.VerificationResult `json:"ledger_verify"`
}

// Controller drives batches sequentially against one ledger handle.
type Controller struct {
	cfg       Config
	pol       *policy.Policy
	collector *signal.Collector
	led       *ledger.Ledger
	alerter   *loop.Alerter
}

// NewController wires a controller. alerter may be nil.
func NewController(cfg Config, pol *policy.Policy, collector *signal.Collector, led *ledger.Ledger, alerter *loop.Alerter) (*Controller, error) {
	if cfg.Batches <= 0 {
		return nil, eris.New("campaign: batches must be positive")
	}
	if cfg.IterationsPerBatch <= 0 {
		return nil, eris.New("campaign: iterations per batch must be positive")
	}
	if cfg.OutRoot == "" {
		return nil, eris.New("campaign: output root is required")
	}
	return &Controller{cfg: cfg, pol: pol, collector: collector, led: led, alerter: alerter}, nil
}

// BatchDirName returns the directory name for a batch.
func BatchDirName(batchID int) string {
	return fmt.Sprintf("batch_%04d", batchID)
}

// Run executes batches 1..N in order. Batches never overlap; their
// evidence must be strictly ordered in the ledger. Cancellation is
// checked between batches only.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "campaign"))
	if err := os.MkdirAll(c.cfg.OutRoot, 0o755); err != nil {
		return nil, eris.Wrap(err, "campaign: create output root")
	}

	res := &Result{}
	for b := 1; b <= c.cfg.Batches; b++ {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			log.Info("campaign stopped before batch", zap.Int("batch", b))
			break
		}

		br, err := c.runBatch(ctx, b, log)
		if err != nil {
			return res, err
		}
		res.Batches = append(res.Batches, *br)
		if br.ResultCode != 0 {
			res.FailedBatches++
			if !c.cfg.ContinueOnFail {
				log.Warn("stopping at first failing batch", zap.Int("batch", b))
				break
			}
		}
	}

	if err := c.finish(res); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Controller) runBatch(ctx context.Context, batchID int, log *zap.Logger) (*BatchResult, error) {
	dir := filepath.Join(c.cfg.OutRoot, BatchDirName(batchID))
	expected := c.cfg.IterationsPerBatch

	completed, err := countIterationRecords(dir)
	if err != nil {
		return nil, err
	}

	// Completeness on disk is the sole resumability test.
	if completed == expected {
		code, err := recordedResultCode(dir)
		if err != nil {
			return nil, err
		}
		log.Info("skipping completed batch",
			zap.Int("batch", batchID),
			zap.Int("iterations", completed),
			zap.Int("result_code", code),
		)
		return &BatchResult{
			BatchID:             batchID,
			IterationsExpected:  expected,
			IterationsCompleted: completed,
			ResultCode:          code,
			Skipped:             true,
			Dir:                 dir,
			FinishedAt:          time.Now().UTC(),
		}, nil
	}

	// Partial batches are discarded, never patched.
	if completed > 0 {
		log.Warn("discarding partial batch",
			zap.Int("batch", batchID),
			zap.Int("found", completed),
			zap.Int("expected", expected),
		)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, eris.Wrapf(err, "campaign: clear partial batch %d", batchID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "campaign: create batch directory %d", batchID)
	}

	loopCfg := c.cfg.Loop
	loopCfg.Iterations = expected
	loopCfg.OutRoot = dir

	var alerter *loop.Alerter
	if c.alerter != nil {
		alerter = c.alerter.WithOutRoot(dir)
	}
	runner := loop.NewRunner(loopCfg, c.pol, c.collector, c.led, alerter)

	lr, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	br := &BatchResult{
		BatchID:             batchID,
		IterationsExpected:  expected,
		IterationsCompleted: len(lr.Iterations),
		Dir:                 dir,
		FinishedAt:          time.Now().UTC(),
	}
	if lr.Failed > 0 || lr.Stopped || len(lr.Iterations) < expected {
		br.ResultCode = 1
	}
	if err := writeJSON(filepath.Join(dir, batchResultName), br); err != nil {
		return nil, err
	}

	log.Info("batch finished",
		zap.Int("batch", batchID),
		zap.Int("iterations", br.IterationsCompleted),
		zap.Int("failed_iterations", lr.Failed),
		zap.Int("result_code", br.ResultCode),
	)
	return br, nil
}

// finish writes the summary table and campaign record, then verifies
// the ledger chain and records the verdict in a closing ledger event.
func (c *Controller) finish(res *Result) error {
	vr, err := ledger.Verify(c.led.Path())
	if err != nil {
		return eris.Wrap(err, "campaign: verify ledger")
	}
	res.LedgerVerify = vr

	payload := map[string]any{
		"type":           "campaign_summary",
		"batches":        len(res.Batches),
		"failed_batches": res.FailedBatches,
		"ledger_ok":      vr.OK,
		"ledger_events":  vr.Total,
	}
	if !vr.OK {
		payload["first_bad_index"] = vr.FirstBadIndex
		payload["reason"] = vr.Reason
	}
	if _, err := c.led.Append(payload); err != nil {
		return eris.Wrap(err, "campaign: record summary")
	}

	if err := os.WriteFile(filepath.Join(c.cfg.OutRoot, summaryName), []byte(SummaryTable(res)), 0o644); err != nil {
		return eris.Wrap(err, "campaign: write summary table")
	}
	return writeJSON(filepath.Join(c.cfg.OutRoot, campaignResultName), res)
}

// SummaryTable renders the deterministic per-batch table: one row per
// batch with its number, result code, and output directory.
func SummaryTable(res *Result) string {
	p := message.NewPrinter(language.English)
	var sb strings.Builder
	p.Fprintf(&sb, "%-8s %-12s %s\n", "BATCH", "RESULT", "DIR")
	for _, b := range res.Batches {
		state := "ok"
		if b.ResultCode != 0 {
			state = "failed"
		}
		if b.Skipped {
			state += " (skipped)"
		}
		p.Fprintf(&sb, "%-8d %-12s %s\n", b.BatchID, state, b.Dir)
	}
	p.Fprintf(&sb, "\n%d batches, %d failed, ledger ok=%t (%d events)\n",
		len(res.Batches), res.FailedBatches, res.LedgerVerify.OK, res.LedgerVerify.Total)
	return sb.String()
}

// countIterationRecords counts terminal iteration record files in a
// batch directory. A missing directory counts as zero. The pattern is
// width-independent: iteration numbers widen past %04d at 10000 and
// those records still count.
func countIterationRecords(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "iter_*.json"))
	if err != nil {
		return 0, eris.Wrap(err, "campaign: count iteration records")
	}
	return len(matches), nil
}

// recordedResultCode reads a completed batch's stored result code,
// falling back to scanning its iteration records when the batch result
// file was lost to a crash after the last iteration.
func recordedResultCode(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, batchResultName))
	if err == nil {
		var br BatchResult
		if jerr := json.Unmarshal(data, &br); jerr != nil {
			return 0, eris.Wrapf(jerr, "campaign: parse %s", batchResultName)
		}
		return br.ResultCode, nil
	}
	if !os.IsNotExist(err) {
		return 0, eris.Wrapf(err, "campaign: read %s", batchResultName)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "iter_????.json"))
	if err != nil {
		return 0, eris.Wrap(err, "campaign: scan iteration records")
	}
	for _, m := range matches {
		raw, err := os.ReadFile(m)
		if err != nil {
			return 0, eris.Wrapf(err, "campaign: read %s", filepath.Base(m))
		}
		var iter loop.IterationResult
		if err := json.Unmarshal(raw, &iter); err != nil {
			return 0, eris.Wrapf(err, "campaign: parse %s", filepath.Base(m))
		}
		if !iter.Success {
			return 1, nil
		}
	}
	return 0, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "campaign: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "campaign: write %s", filepath.Base(path))
	}
	return nil
}
