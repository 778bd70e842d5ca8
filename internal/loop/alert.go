package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/policy"
	"github.com/quorumfield/stabilizer-cli/internal/resilience"
)

// AlertKind identifies why an alert artifact was emitted.
type AlertKind string

const (
	AlertHardFail          AlertKind = "HARD_FAIL"
	AlertSoftFailExhausted AlertKind = "SOFT_FAIL_EXHAUSTED"
	AlertLedgerCorruption  AlertKind = "LEDGER_CORRUPTION"
	AlertDisagreement      AlertKind = "BASELINE_DISAGREEMENT"
)

// Alert is one emitted alert.
type Alert struct {
	Kind           AlertKind             `json:"kind"`
	Iteration      int                   `json:"iteration,omitempty"`
	Attempt        int                   `json:"attempt,omitempty"`
	Classification policy.Classification `json:"classification"`
	Degraded       []string              `json:"degraded_signals,omitempty"`
	Details        map[string]any        `json:"details,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

// Alerter writes alert artifacts and optionally posts them to a
// webhook. Delivery failures are logged, never fatal: an alert must
// not take down the loop that raised it.
type Alerter struct {
	outRoot    string
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an alerter writing under outRoot. webhookURL may
// be empty.
func NewAlerter(outRoot, webhookURL string) *Alerter {
	return &Alerter{
		outRoot:    outRoot,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// WithOutRoot returns a copy of the alerter writing artifacts under a
// different directory, sharing the webhook client.
func (a *Alerter) WithOutRoot(outRoot string) *Alerter {
	return &Alerter{outRoot: outRoot, webhookURL: a.webhookURL, client: a.client}
}

// Emit writes the alert artifact and returns its path ("" when the
// artifact could not be written).
func (a *Alerter) Emit(ctx context.Context, alert Alert) string {
	path, err := a.writeArtifact(alert)
	if err != nil {
		zap.L().Error("failed to write alert artifact", zap.Error(err))
	}

	if a.webhookURL != "" {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("failed to deliver alert webhook",
				zap.String("kind", string(alert.Kind)),
				zap.Error(err),
			)
		}
	}
	return path
}

func (a *Alerter) writeArtifact(alert Alert) (string, error) {
	if a.outRoot == "" {
		return "", nil
	}
	if err := os.MkdirAll(a.outRoot, 0o755); err != nil {
		return "", eris.Wrap(err, "alert: create output directory")
	}

	name := fmt.Sprintf("alert_%s_%04d.json", alert.Timestamp.UTC().Format("20060102T150405"), alert.Iteration)
	path := filepath.Join(a.outRoot, name)

	data, err := json.MarshalIndent(alert, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "alert: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "alert: write artifact")
	}

	zap.L().Warn("alert emitted",
		zap.String("kind", string(alert.Kind)),
		zap.Int("iteration", alert.Iteration),
		zap.String("path", path),
	)
	return path, nil
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "alert: marshal webhook payload")
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("alert webhook")
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "alert: build webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "alert: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			err := eris.Errorf("alert: webhook returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
}

// writeIterationRecord persists one terminal iteration record under
// outRoot. The campaign controller counts these files to decide batch
// completeness, so exactly one file exists per terminal iteration.
func writeIterationRecord(outRoot string, iter *IterationResult) error {
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return eris.Wrap(err, "loop: create output directory")
	}
	data, err := json.MarshalIndent(iter, "", "  ")
	if err != nil {
		return eris.Wrap(err, "loop: marshal iteration record")
	}
	path := filepath.Join(outRoot, IterationRecordName(iter.Iteration))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "loop: write iteration record")
	}
	return nil
}
