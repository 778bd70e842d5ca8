package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/store"
)

func testStatusAPI(t *testing.T) (statusAPI, string) {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.jsonl")

	led, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := led.Append(map[string]any{"type": "loop_iteration", "iteration": i + 1})
		require.NoError(t, err)
	}
	require.NoError(t, led.Close())

	st, err := store.NewSQLite(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(t.Context()))

	return statusAPI{
		store:      st,
		ledgerPath: ledgerPath,
		origins:    []string{"*"},
	}, ledgerPath
}

func TestBuildRouter_Healthz(t *testing.T) {
	api, _ := testStatusAPI(t)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildRouter_LedgerStatus(t *testing.T) {
	api, _ := testStatusAPI(t)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/ledger/status", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var res ledger.VerificationResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Total)
}

func TestBuildRouter_LedgerTail(t *testing.T) {
	api, _ := testStatusAPI(t)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/ledger/tail?n=2", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[1].Sequence)
}

func TestBuildRouter_LedgerTailBadN(t *testing.T) {
	api, _ := testStatusAPI(t)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/ledger/tail?n=zero", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuildRouter_AgreementUnconfigured(t *testing.T) {
	api, _ := testStatusAPI(t)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/agreement", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBuildRouter_Campaigns(t *testing.T) {
	api, _ := testStatusAPI(t)
	_, err := api.store.CreateCampaign(t.Context(), "/tmp/out", 2)
	require.NoError(t, err)
	r := buildRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var runs []store.CampaignRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Batches)
}
