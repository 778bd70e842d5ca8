package baseline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Publication names the artifacts one publish produced.
type Publication struct {
	SummaryPath string `json:"summary_path"`
	EntriesPath string `json:"entries_path"`
	ReceiptPath string `json:"receipt_path"`
}

// Publish writes an immutable, uniquely-named summary + entry-list
// pair (plus a detached integrity receipt over the summary bytes) to a
// per-node subdirectory under the shared location. A prior publication
// is never overwritten. Destinations starting with ftp:// are uploaded
// over FTP; anything else is a local or mounted directory. ctx bounds
// the FTP retry loop so an interrupted publication stops promptly.
func Publish(ctx context.Context, b *Baseline, dest, nodeID string) (*Publication, error) {
	if dest == "" {
		return nil, eris.New("baseline: destination is required")
	}
	if nodeID == "" {
		return nil, eris.New("baseline: node id is required")
	}

	base := fmt.Sprintf("baseline_%s_%s",
		b.CapturedAt.UTC().Format("20060102T150405Z"),
		uuid.New().String()[:8])

	summaryJSON, err := json.MarshalIndent(publishedSummary(b, nodeID), "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "baseline: marshal summary")
	}
	entriesJSON, err := json.MarshalIndent(b.Entries, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "baseline: marshal entries")
	}
	receiptSum := sha256.Sum256(summaryJSON)
	receipt := []byte(hex.EncodeToString(receiptSum[:]) + "\n")

	if strings.HasPrefix(dest, "ftp://") {
		return publishFTP(ctx, dest, nodeID, base, summaryJSON, entriesJSON, receipt)
	}
	return publishLocal(dest, nodeID, base, summaryJSON, entriesJSON, receipt)
}

func publishedSummary(b *Baseline, nodeID string) Summary {
	s := b.Summary()
	s.NodeID = nodeID
	return s
}

func publishLocal(dest, nodeID, base string, summaryJSON, entriesJSON, receipt []byte) (*Publication, error) {
	dir := filepath.Join(dest, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "baseline: create node directory")
	}

	pub := &Publication{
		SummaryPath: filepath.Join(dir, base+".summary.json"),
		EntriesPath: filepath.Join(dir, base+".entries.json"),
		ReceiptPath: filepath.Join(dir, base+".receipt"),
	}
	for _, out := range []struct {
		path string
		data []byte
	}{
		{pub.EntriesPath, entriesJSON},
		{pub.SummaryPath, summaryJSON},
		{pub.ReceiptPath, receipt},
	} {
		if err := writeExclusive(out.path, out.data); err != nil {
			return nil, err
		}
	}

	zap.L().Info("baseline published",
		zap.String("node", nodeID),
		zap.String("summary", pub.SummaryPath),
	)
	return pub, nil
}

// writeExclusive creates path with O_EXCL: publications are immutable
// and never clobber each other.
func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "baseline: create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return eris.Wrapf(err, "baseline: write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return eris.Wrapf(err, "baseline: sync %s", path)
	}
	return eris.Wrapf(f.Close(), "baseline: close %s", path)
}

// ReadSummary loads one published summary file.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: read summary")
	}
	var s Summary
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, eris.Wrap(err, "baseline: parse summary")
	}
	return &s, nil
}

// VerifyReceipt checks a detached receipt against its summary file.
func VerifyReceipt(summaryPath, receiptPath string) (bool, error) {
	summaryData, err := os.ReadFile(summaryPath)
	if err != nil {
		return false, eris.Wrap(err, "baseline: read summary for receipt check")
	}
	receiptData, err := os.ReadFile(receiptPath)
	if err != nil {
		return false, eris.Wrap(err, "baseline: read receipt")
	}
	sum := sha256.Sum256(summaryData)
	want := strings.TrimSpace(string(receiptData))
	return want == hex.EncodeToString(sum[:]), nil
}
