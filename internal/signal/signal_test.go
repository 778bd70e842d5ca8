package signal

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectMergesSources(t *testing.T) {
	c := NewCollector([]Source{
		Static{SourceName: "a", Values: map[string]any{"metric": 0.95}},
		Static{SourceName: "b", Values: map[string]any{"status": "OK"}},
	}, time.Second)

	set := c.Collect(context.Background())
	require.Len(t, set, 2)
	assert.Equal(t, 0.95, set["metric"].Value)
	assert.Equal(t, "a", set["metric"].Source)
	assert.Equal(t, "OK", set["status"].Value)
	assert.Empty(t, set.Degraded())
}

func TestCollectSourceErrorBecomesDegradedSignal(t *testing.T) {
	c := NewCollector([]Source{
		Static{SourceName: "good", Values: map[string]any{"x": 1}},
		Static{SourceName: "bad", Err: eris.New("boom")},
	}, time.Second)

	set := c.Collect(context.Background())
	require.Len(t, set, 2)
	assert.True(t, set["bad"].Degraded)
	assert.Contains(t, set["bad"].Reason, "boom")
	assert.Equal(t, []string{"bad"}, set.Degraded())
}

func TestCollectTimeoutBecomesDegradedSignal(t *testing.T) {
	slow := Func{SourceName: "slow", Fn: func(ctx context.Context) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{"late": true}, nil
		}
	}}

	c := NewCollector([]Source{slow}, 20*time.Millisecond)

	start := time.Now()
	set := c.Collect(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Contains(t, set, "slow")
	assert.True(t, set["slow"].Degraded)
}

func TestCollectAbandonsSourceThatIgnoresContext(t *testing.T) {
	stuck := Func{SourceName: "stuck", Fn: func(ctx context.Context) (map[string]any, error) {
		// Never observes ctx.
		<-make(chan struct{})
		return nil, nil
	}}

	c := NewCollector([]Source{
		stuck,
		Static{SourceName: "ok", Values: map[string]any{"x": 1}},
	}, 20*time.Millisecond)

	start := time.Now()
	set := c.Collect(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Contains(t, set, "stuck")
	assert.True(t, set["stuck"].Degraded)
	assert.Equal(t, 1, set["x"].Value)
}

func TestPolicyInput(t *testing.T) {
	set := Set{
		"metric": {Name: "metric", Value: 0.5, Source: "a"},
		"probe":  {Name: "probe", Degraded: true, Reason: "timeout", Source: "probe"},
	}

	in := set.PolicyInput()
	assert.Equal(t, 0.5, in["metric"])
	assert.Equal(t, true, in["probe_degraded"])
	_, hasRaw := in["probe"]
	assert.False(t, hasRaw)
}

func TestHTTPProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	values, err := HTTPProbe{ProbeName: "api", URL: ts.URL}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, values["api_reachable"])
	assert.Equal(t, http.StatusOK, values["api_status"])
	assert.Equal(t, true, values["api_ok"])
}

func TestTCPProbeUnreachableIsEvidence(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	values, err := TCPProbe{ProbeName: "node", Addr: addr}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, false, values["node_reachable"])
}

func TestFileFacts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	values, err := FileFacts{FactName: "state", Path: path}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, values["state_exists"])
	assert.Equal(t, int64(2), values["state_size"])

	values, err = FileFacts{FactName: "state", Path: filepath.Join(dir, "missing")}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, false, values["state_exists"])
}
