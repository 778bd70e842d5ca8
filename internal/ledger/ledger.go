// Package ledger implements the append-only, hash-chained evidence
// ledger. Records are JSONL, one per line, each linked to the previous
// record's hash; breaking the chain at any point invalidates every
// subsequent record.
//
// Single-writer discipline: appends within one process serialize on an
// internal mutex. Concurrent appends from multiple processes are an
// unsupported failure mode; sidecar producers must write their own
// streams (see cmd/monitor.go).
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quorumfield/stabilizer-cli/internal/hashchain"
)

// Event is one committed ledger record.
type Event struct {
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash,omitempty"`
}

// computeHash hashes the event's canonical encoding with the hash
// field excluded.
func computeHash(ev Event) (string, error) {
	ev.Hash = ""
	canonical, err := hashchain.Encode(ev)
	if err != nil {
		return "", err
	}
	return hashchain.Link(canonical), nil
}

// Ledger is an open handle on one ledger file. It is an explicit
// resource passed to every component that appends evidence; there is
// no global singleton.
type Ledger struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	lastSeq  int64
	lastHash string
}

// Open opens (creating if necessary) the ledger at path in append-only
// mode and indexes the existing chain tail. A malformed trailing line
// from a crashed writer is skipped; it is excluded from the chain and
// the next append continues from the last committed record.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, eris.New("ledger: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "ledger: create directory")
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open")
	}

	l := &Ledger{path: path, f: f}
	if err := l.indexExisting(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the underlying file. Append after Close fails.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// indexExisting replays the file to find the committed chain tail and
// truncates any incomplete trailing write left by a crashed process,
// so the next append starts on a clean line boundary. Interior
// corruption is left in place for Verify to report; it is never
// auto-repaired.
func (l *Ledger) indexExisting() error {
	r, err := os.Open(l.path)
	if err != nil {
		return eris.Wrap(err, "ledger: open for indexing")
	}
	defer r.Close()

	reader := bufio.NewReaderSize(r, 64*1024)
	var offset, committedEnd int64
	for {
		line, err := reader.ReadBytes('\n')
		offset += int64(len(line))
		complete := err == nil
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && complete {
			var ev Event
			if jsonErr := json.Unmarshal(trimmed, &ev); jsonErr == nil && ev.Hash != "" {
				l.lastSeq = ev.Sequence
				l.lastHash = ev.Hash
				committedEnd = offset
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return eris.Wrap(err, "ledger: index")
		}
	}

	if offset > committedEnd {
		if err := os.Truncate(l.path, committedEnd); err != nil {
			return eris.Wrap(err, "ledger: truncate incomplete tail")
		}
	}
	return nil
}

// Append commits payload as the next chained record: computes the new
// event's previous_hash and hash, writes one line, and flushes durably
// before returning.
func (l *Ledger) Append(payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Sequence:     l.lastSeq + 1,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
		PreviousHash: l.lastHash,
	}
	hash, err := computeHash(ev)
	if err != nil {
		return Event{}, eris.Wrap(err, "ledger: hash event")
	}
	ev.Hash = hash

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return Event{}, eris.Wrap(err, "ledger: encode event")
	}
	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return Event{}, eris.Wrap(err, "ledger: write")
	}
	if err := l.f.Sync(); err != nil {
		return Event{}, eris.Wrap(err, "ledger: sync")
	}

	l.lastSeq = ev.Sequence
	l.lastHash = ev.Hash
	return ev, nil
}

// MismatchKind identifies what kind of defect Verify found.
type MismatchKind string

const (
	MismatchNone        MismatchKind = ""
	MismatchChainBreak  MismatchKind = "chain_break"
	MismatchCorruptHash MismatchKind = "corrupt_hash"
	MismatchMalformed   MismatchKind = "malformed_record"
)

// VerificationResult reports the outcome of a full chain replay.
type VerificationResult struct {
	OK            bool         `json:"ok"`
	Total         int          `json:"total"`
	FirstBadIndex int          `json:"first_bad_index"`
	Kind          MismatchKind `json:"kind,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	// TruncatedTail is set when the final record was incomplete or
	// inconsistent and was excluded as a crashed-mid-write remnant.
	TruncatedTail bool `json:"truncated_tail,omitempty"`
}

type lineDefect struct {
	index  int
	kind   MismatchKind
	reason string
}

// Verify replays every record from index 0, recomputing hashes and
// checking previous_hash chaining. A malformed final record is treated
// as an incomplete write and excluded; any other defect is fatal and
// reported with its zero-based index and mismatch kind. A ledger with
// zero records verifies as ok.
func Verify(path string) (VerificationResult, error) {
	res := VerificationResult{OK: true, FirstBadIndex: -1}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, eris.Wrap(err, "ledger: open for verify")
	}
	defer f.Close()

	var defects []lineDefect
	prevHash := ""
	index := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		index++
		res.Total++

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			defects = append(defects, lineDefect{index, MismatchMalformed, "record is not valid JSON"})
			continue
		}
		if ev.Hash == "" {
			defects = append(defects, lineDefect{index, MismatchMalformed, "record has no hash"})
			continue
		}

		expected, err := computeHash(ev)
		if err != nil {
			defects = append(defects, lineDefect{index, MismatchMalformed, "record cannot be canonically encoded"})
			continue
		}
		if expected != ev.Hash {
			defects = append(defects, lineDefect{index, MismatchCorruptHash, "stored hash does not match recomputed hash"})
			prevHash = ev.Hash
			continue
		}
		if ev.PreviousHash != prevHash {
			defects = append(defects, lineDefect{index, MismatchChainBreak, "previous_hash does not match prior record"})
		}
		prevHash = ev.Hash
	}
	if err := scanner.Err(); err != nil {
		return res, eris.Wrap(err, "ledger: scan for verify")
	}

	if len(defects) == 0 {
		return res, nil
	}

	// A malformed final record is a crashed-mid-write remnant: a crash
	// leaves at most one partial trailing line. A parseable final
	// record with a wrong hash is tampering and is reported.
	if len(defects) == 1 && defects[0].index == index && defects[0].kind == MismatchMalformed {
		res.Total--
		res.TruncatedTail = true
		return res, nil
	}

	first := defects[0]
	res.OK = false
	res.FirstBadIndex = first.index
	res.Kind = first.kind
	res.Reason = first.reason
	return res, nil
}

// Tail returns the last n committed events without scanning the whole
// file: it reads a bounded window from the end, growing backwards only
// as needed. A malformed trailing line is skipped.
func Tail(path string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "ledger: open for tail")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: stat")
	}
	size := st.Size()

	var window []byte
	chunk := int64(64 * 1024)
	for {
		start := size - chunk
		if start < 0 {
			start = 0
		}
		window = make([]byte, size-start)
		if _, err := f.ReadAt(window, start); err != nil && err != io.EOF {
			return nil, eris.Wrap(err, "ledger: read tail window")
		}
		if start == 0 || bytes.Count(window, []byte{'\n'}) > n {
			if start > 0 {
				// Drop the partial first line from mid-file reads.
				if i := bytes.IndexByte(window, '\n'); i >= 0 {
					window = window[i+1:]
				}
			}
			break
		}
		chunk *= 2
	}

	lines := bytes.Split(window, []byte{'\n'})
	events := make([]Event, 0, n)
	for i := len(lines) - 1; i >= 0 && len(events) < n; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Hash == "" {
			continue
		}
		events = append(events, ev)
	}

	// Restore file order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
