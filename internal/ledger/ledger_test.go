package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func appendN(t *testing.T, l *Ledger, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(map[string]any{"type": "test", "seq_hint": i})
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestAppendChainsEvents(t *testing.T) {
	l, _ := newTestLedger(t)
	events := appendN(t, l, 3)

	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "", events[0].PreviousHash)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.Equal(t, events[1].Hash, events[2].PreviousHash)
	assert.Equal(t, int64(3), events[2].Sequence)
}

func TestVerifyCleanLedger(t *testing.T) {
	for _, n := range []int{0, 1, 5, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			l, path := newTestLedger(t)
			appendN(t, l, n)

			res, err := Verify(path)
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, n, res.Total)
			assert.Equal(t, -1, res.FirstBadIndex)
		})
	}
}

func TestVerifyMissingFileIsOK(t *testing.T) {
	res, err := Verify(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.Total)
}

// corruptPayload rewrites the record at index with a changed payload
// but the original hash, simulating after-the-fact tampering.
func corruptPayload(t *testing.T, path string, index int) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Greater(t, len(lines), index)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(lines[index]), &ev))
	ev.Payload["tampered"] = true
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	lines[index] = string(raw)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestVerifyReportsExactTamperedIndex(t *testing.T) {
	const n = 5
	for target := 0; target < n; target++ {
		t.Run(fmt.Sprintf("index=%d", target), func(t *testing.T) {
			l, path := newTestLedger(t)
			appendN(t, l, n)
			corruptPayload(t, path, target)

			res, err := Verify(path)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, target, res.FirstBadIndex)
			assert.Equal(t, MismatchCorruptHash, res.Kind)
		})
	}
}

func TestVerifyChainBreak(t *testing.T) {
	l, path := newTestLedger(t)
	appendN(t, l, 3)

	// Remove the middle record entirely: record 2's previous_hash no
	// longer matches record 0.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := []string{lines[0], lines[2], lines[2]}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o644))

	res, err := Verify(path)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.FirstBadIndex)
	assert.Equal(t, MismatchChainBreak, res.Kind)
}

func TestVerifyToleratesPartialTrailingWrite(t *testing.T) {
	l, path := newTestLedger(t)
	appendN(t, l, 3)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":4,"timestamp":"2026-01-01T0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.TruncatedTail)
	assert.Equal(t, 3, res.Total)
}

func TestOpenResumesAfterPartialTrailingWrite(t *testing.T) {
	l, path := newTestLedger(t)
	events := appendN(t, l, 2)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3,"ti`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ev, err := reopened.Append(map[string]any{"type": "resumed"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Sequence)
	assert.Equal(t, events[1].Hash, ev.PreviousHash)

	// The partial remnant was truncated, so the chain verifies clean.
	res, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Total)
}

func TestTail(t *testing.T) {
	l, path := newTestLedger(t)
	appendN(t, l, 10)

	got, err := Tail(path, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(8), got[0].Sequence)
	assert.Equal(t, int64(10), got[2].Sequence)

	all, err := Tail(path, 100)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	none, err := Tail(path, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTailMissingFile(t *testing.T) {
	got, err := Tail(filepath.Join(t.TempDir(), "nope.jsonl"), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
