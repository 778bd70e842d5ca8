package loop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumfield/stabilizer-cli/internal/policy"
)

func TestEmitWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	a := NewAlerter(dir, "")

	path := a.Emit(context.Background(), Alert{
		Kind:           AlertHardFail,
		Iteration:      7,
		Classification: policy.Classification{Outcome: "HARD_FAIL", RuleID: "disk-full"},
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	require.NotEmpty(t, path)
	assert.Equal(t, filepath.Join(dir, "alert_20260301T120000_0007.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HARD_FAIL")
	assert.Contains(t, string(data), "disk-full")
}

func TestEmitEmptyOutRootSkipsArtifact(t *testing.T) {
	a := NewAlerter("", "")
	path := a.Emit(context.Background(), Alert{Kind: AlertHardFail, Timestamp: time.Now()})
	assert.Empty(t, path)
}

func TestWebhookRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(t.TempDir(), srv.URL)
	err := a.sendWebhook(context.Background(), Alert{Kind: AlertDisagreement, Timestamp: time.Now()})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestWebhookDoesNotRetryClientError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAlerter(t.TempDir(), srv.URL)
	err := a.sendWebhook(context.Background(), Alert{Kind: AlertHardFail, Timestamp: time.Now()})
	assert.Error(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestWithOutRootKeepsWebhook(t *testing.T) {
	a := NewAlerter("/tmp/a", "http://hook.example/notify")
	b := a.WithOutRoot("/tmp/b")
	assert.Equal(t, "/tmp/b", b.outRoot)
	assert.Equal(t, a.webhookURL, b.webhookURL)
	assert.Same(t, a.client, b.client)
}
