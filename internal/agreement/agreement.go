// Package agreement implements the decorrelated cross-node baseline
// check: independently captured baselines are compared by Merkle root,
// and any disagreement is surfaced as data for a human or gate to act
// on. It is not a consensus protocol and never resolves disagreement.
package agreement

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/baseline"
)

// Observation is one node's latest published baseline as seen by the
// collector, plus this collector's own hash of the summary file.
type Observation struct {
	NodeID      string    `json:"node_id"`
	SummaryPath string    `json:"summary_path"`
	SummaryHash string    `json:"summary_hash"`
	MerkleRoot  string    `json:"merkle_root"`
	EntryCount  int       `json:"entry_count"`
	CapturedAt  time.Time `json:"captured_at"`
	Truncated   bool      `json:"truncated,omitempty"`
	ParseError  string    `json:"parse_error,omitempty"`
}

// Report is the full agreement check result.
type Report struct {
	ExpectedNodes []string      `json:"expected_nodes"`
	MissingNodes  []string      `json:"missing_nodes"`
	Observations  []Observation `json:"observations"`
	// Groups partitions observed nodes by merkle_root. The empty-string
	// key collects parse failures (the null-root group).
	Groups    map[string][]string `json:"groups"`
	Agreement bool                `json:"agreement"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Check locates each expected node's most recently published baseline
// summary under sharedLocation and reports consensus or the exact
// points of disagreement. Agreement holds iff no node is missing and
// exactly one distinct merkle root was observed (a parse failure is a
// distinct null root and breaks agreement).
func Check(nodeIDs []string, sharedLocation string) (*Report, error) {
	if len(nodeIDs) == 0 {
		return nil, eris.New("agreement: at least one expected node is required")
	}
	if sharedLocation == "" {
		return nil, eris.New("agreement: shared location is required")
	}

	report := &Report{
		ExpectedNodes: append([]string(nil), nodeIDs...),
		Groups:        make(map[string][]string),
		CheckedAt:     time.Now().UTC(),
	}
	sort.Strings(report.ExpectedNodes)

	for _, node := range report.ExpectedNodes {
		summaryPath, err := latestSummary(filepath.Join(sharedLocation, node))
		if err != nil {
			return nil, err
		}
		if summaryPath == "" {
			report.MissingNodes = append(report.MissingNodes, node)
			continue
		}

		obs := observe(node, summaryPath)
		report.Observations = append(report.Observations, obs)
		report.Groups[obs.MerkleRoot] = append(report.Groups[obs.MerkleRoot], node)
	}

	_, hasNullGroup := report.Groups[""]
	report.Agreement = len(report.MissingNodes) == 0 &&
		len(report.Groups) == 1 && !hasNullGroup

	if !report.Agreement {
		zap.L().Warn("baseline agreement check failed",
			zap.Strings("missing_nodes", report.MissingNodes),
			zap.Int("distinct_roots", len(report.Groups)),
		)
	}
	return report, nil
}

func observe(node, summaryPath string) Observation {
	obs := Observation{NodeID: node, SummaryPath: summaryPath}

	if data, err := os.ReadFile(summaryPath); err == nil {
		sum := sha256.Sum256(data)
		obs.SummaryHash = hex.EncodeToString(sum[:])
	}

	s, err := baseline.ReadSummary(summaryPath)
	if err != nil {
		obs.ParseError = err.Error()
		return obs
	}
	obs.MerkleRoot = s.MerkleRoot
	obs.EntryCount = s.EntryCount
	obs.CapturedAt = s.CapturedAt
	obs.Truncated = s.Truncated
	return obs
}

// latestSummary returns the newest *.summary.json under dir by
// modification time, or "" when the node has never published.
func latestSummary(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.summary.json"))
	if err != nil {
		return "", eris.Wrap(err, "agreement: glob summaries")
	}
	var (
		newest    string
		newestMod time.Time
	)
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || st.ModTime().After(newestMod) {
			newest = m
			newestMod = st.ModTime()
		}
	}
	return newest, nil
}
