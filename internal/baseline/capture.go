// Package baseline builds content-addressed evidence baselines: a
// sorted manifest of a file tree plus a Merkle root that changes when
// any entry is added, removed, or modified.
//
// Identity policy: the Merkle leaf covers relative path, content hash,
// and size. Modified time is recorded in entries for human inspection
// but is NOT part of the root, so a touch without an edit does not
// change what nodes agree on.
package baseline

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Entry is one file in the manifest.
type Entry struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_time"`
}

// Baseline is one capture of a file tree. Never mutated after capture;
// a fresh capture produces a fresh baseline.
type Baseline struct {
	Root       string    `json:"root"`
	NodeID     string    `json:"node_id,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Entries    []Entry   `json:"entries"`
	MerkleRoot string    `json:"merkle_root"`
	// Truncated marks a capture capped at MaxEntries; callers must not
	// treat a capped baseline as exhaustive.
	Truncated  bool `json:"truncated,omitempty"`
	MaxEntries int  `json:"max_entries,omitempty"`
}

// Summary is the published digest of a baseline, compared across nodes.
type Summary struct {
	NodeID     string    `json:"node_id"`
	Root       string    `json:"root"`
	EntryCount int       `json:"entry_count"`
	MerkleRoot string    `json:"merkle_root"`
	CapturedAt time.Time `json:"captured_at"`
	Truncated  bool      `json:"truncated,omitempty"`
}

// Summary derives the publishable digest of b.
func (b *Baseline) Summary() Summary {
	return Summary{
		NodeID:     b.NodeID,
		Root:       b.Root,
		EntryCount: len(b.Entries),
		MerkleRoot: b.MerkleRoot,
		CapturedAt: b.CapturedAt,
		Truncated:  b.Truncated,
	}
}

// Capture walks the tree rooted at root, hashing every regular file
// not under an exclusion. Excludes are slash-separated paths or globs
// relative to root; callers must always exclude their own output
// directory to avoid self-referential measurement. Entries come out
// sorted by path (WalkDir is lexical) so two captures of an unchanged
// tree produce identical roots.
func Capture(root string, excludes []string, maxEntries int) (*Baseline, error) {
	if root == "" {
		return nil, eris.New("baseline: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: resolve root")
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, eris.Wrap(err, "baseline: stat root")
	}
	excludes = normalizeExcludes(abs, excludes)

	b := &Baseline{
		Root:       abs,
		CapturedAt: time.Now().UTC(),
		MaxEntries: maxEntries,
	}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable subtrees are skipped, not fatal: the capture
			// measures what this node can see.
			zap.L().Warn("baseline: skipping unreadable path",
				zap.String("path", path), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return eris.Wrap(err, "baseline: relativize")
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if maxEntries > 0 && len(b.Entries) >= maxEntries {
			b.Truncated = true
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil {
			zap.L().Warn("baseline: skipping unstatable file",
				zap.String("path", path), zap.Error(err))
			return nil
		}
		hash, err := hashFile(path)
		if err != nil {
			zap.L().Warn("baseline: skipping unreadable file",
				zap.String("path", path), zap.Error(err))
			return nil
		}

		b.Entries = append(b.Entries, Entry{
			Path:        rel,
			ContentHash: hash,
			Size:        info.Size(),
			ModifiedAt:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	leaves := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		leaves[i] = leafHash(e)
	}
	b.MerkleRoot = merkleRoot(leaves)
	return b, nil
}

// leafHash binds an entry's identity: path, content hash, and size.
func leafHash(e Entry) string {
	h := sha256.New()
	io.WriteString(h, e.Path)
	h.Write([]byte{0})
	io.WriteString(h, e.ContentHash)
	h.Write([]byte{0})
	io.WriteString(h, strconv.FormatInt(e.Size, 10))
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeExcludes rewrites excludes that name a location inside the
// resolved root (absolute or cwd-relative, like an --out directory
// under --root) into root-relative form, so they match the walk's
// root-relative paths. Excludes that already are root-relative paths
// or globs pass through untouched.
func normalizeExcludes(root string, excludes []string) []string {
	out := make([]string, 0, len(excludes))
	for _, ex := range excludes {
		if ex == "" {
			continue
		}
		if a, err := filepath.Abs(ex); err == nil {
			if rel, err := filepath.Rel(root, a); err == nil &&
				rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				out = append(out, filepath.ToSlash(rel))
				continue
			}
		}
		out = append(out, ex)
	}
	return out
}

func excluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		ex = strings.TrimSuffix(filepath.ToSlash(ex), "/")
		if ex == "" {
			continue
		}
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
		if ok, _ := filepath.Match(ex, rel); ok {
			return true
		}
	}
	return false
}
