package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/quorumfield/stabilizer-cli/internal/baseline"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id             TEXT PRIMARY KEY,
	out_root       TEXT NOT NULL,
	batches        INTEGER NOT NULL,
	failed_batches INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'running',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS captures (
	id          TEXT PRIMARY KEY,
	node_id     TEXT NOT NULL,
	root        TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	entry_count INTEGER NOT NULL,
	truncated   INTEGER NOT NULL DEFAULT 0,
	captured_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS baseline_entries (
	capture_id   TEXT NOT NULL REFERENCES captures(id),
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size         INTEGER NOT NULL,
	modified_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE INDEX IF NOT EXISTS idx_captures_node_root ON captures(node_id, root, captured_at);
CREATE INDEX IF NOT EXISTS idx_baseline_entries_capture ON baseline_entries(capture_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, outRoot string, batches int) (*CampaignRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, out_root, batches, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, outRoot, batches, string(CampaignRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert campaign")
	}

	return &CampaignRun{
		ID:        id,
		OutRoot:   outRoot,
		Batches:   batches,
		Status:    CampaignRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteCampaign(ctx context.Context, id string, failedBatches int) error {
	status := CampaignSucceeded
	if failedBatches > 0 {
		status = CampaignFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, failed_batches = ?, updated_at = ? WHERE id = ?`,
		string(status), failedBatches, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete campaign %s", id)
	}
	return checkRowsAffected(res, "campaign", id)
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*CampaignRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns WHERE id = ?`,
		id,
	)
	var c CampaignRun
	var status string
	if err := row.Scan(&c.ID, &c.OutRoot, &c.Batches, &c.FailedBatches, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", id)
	}
	c.Status = CampaignStatus(status)
	return &c, nil
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]CampaignRun, error) {
	query := `SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list campaigns")
	}
	defer rows.Close()

	var out []CampaignRun
	for rows.Next() {
		var c CampaignRun
		var status string
		if err := rows.Scan(&c.ID, &c.OutRoot, &c.Batches, &c.FailedBatches, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		c.Status = CampaignStatus(status)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate campaigns")
}

func (s *SQLiteStore) RecordCapture(ctx context.Context, b *baseline.Baseline) (*CaptureRecord, error) {
	prev, err := s.LatestCapture(ctx, b.NodeID, b.Root)
	if err != nil {
		return nil, err
	}

	rec := &CaptureRecord{
		ID:         uuid.New().String(),
		NodeID:     b.NodeID,
		Root:       b.Root,
		MerkleRoot: b.MerkleRoot,
		EntryCount: len(b.Entries),
		Truncated:  b.Truncated,
		CapturedAt: b.CapturedAt,
	}
	if prev != nil {
		rec.PreviousRoot = prev.MerkleRoot
		rec.Drifted = prev.MerkleRoot != b.MerkleRoot
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin capture tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO captures (id, node_id, root, merkle_root, entry_count, truncated, captured_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.NodeID, rec.Root, rec.MerkleRoot, rec.EntryCount, rec.Truncated, rec.CapturedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert capture")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO baseline_entries (capture_id, path, content_hash, size, modified_at) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare entry insert")
	}
	defer stmt.Close()

	for _, e := range b.Entries {
		if _, err := stmt.ExecContext(ctx, rec.ID, e.Path, e.ContentHash, e.Size, e.ModifiedAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert entry %s", e.Path)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit capture")
	}
	return rec, nil
}

func (s *SQLiteStore) LatestCapture(ctx context.Context, nodeID, root string) (*CaptureRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, node_id, root, merkle_root, entry_count, truncated, captured_at FROM captures
		 WHERE node_id = ? AND root = ? ORDER BY captured_at DESC LIMIT 1`,
		nodeID, root,
	)
	var rec CaptureRecord
	err := row.Scan(&rec.ID, &rec.NodeID, &rec.Root, &rec.MerkleRoot, &rec.EntryCount, &rec.Truncated, &rec.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest capture %s %s", nodeID, root)
	}
	return &rec, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", entity, id)
	}
	return nil
}
