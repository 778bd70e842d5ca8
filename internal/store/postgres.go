package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/quorumfield/stabilizer-cli/internal/baseline"
	"github.com/quorumfield/stabilizer-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_campaign":   `INSERT INTO campaigns (id, out_root, batches, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"complete_campaign": `UPDATE campaigns SET status = $1, failed_batches = $2, updated_at = $3 WHERE id = $4`,
	"get_campaign":      `SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns WHERE id = $1`,
	"insert_capture":    `INSERT INTO captures (id, node_id, root, merkle_root, entry_count, truncated, captured_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"latest_capture":    `SELECT id, node_id, root, merkle_root, entry_count, truncated, captured_at FROM captures WHERE node_id = $1 AND root = $2 ORDER BY captured_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id             TEXT PRIMARY KEY,
	out_root       TEXT NOT NULL,
	batches        INTEGER NOT NULL,
	failed_batches INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'running',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS captures (
	id          TEXT PRIMARY KEY,
	node_id     TEXT NOT NULL,
	root        TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	entry_count INTEGER NOT NULL,
	truncated   BOOLEAN NOT NULL DEFAULT false,
	captured_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS baseline_entries (
	capture_id   TEXT NOT NULL REFERENCES captures(id),
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size         BIGINT NOT NULL,
	modified_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE INDEX IF NOT EXISTS idx_captures_node_root ON captures(node_id, root, captured_at);
CREATE INDEX IF NOT EXISTS idx_baseline_entries_capture ON baseline_entries(capture_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, outRoot string, batches int) (*CampaignRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, out_root, batches, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, outRoot, batches, string(CampaignRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert campaign")
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

func (s *PostgresStore) CompleteCampaign(ctx context.Context, id string, failedBatches int) error {
	status := CampaignSucceeded
	if failedBatches > 0 {
		status = CampaignFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET status = $1, failed_batches = $2, updated_at = $3 WHERE id = $4`,
		string(status), failedBatches, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete campaign %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: campaign %s not found", id)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*CampaignRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns WHERE id = $1`,
		id,
	)
	var c CampaignRun
	var status string
	if err := row.Scan(&c.ID, &c.OutRoot, &c.Batches, &c.FailedBatches, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, eris.Wrapf(err, "postgres: get campaign %s", id)
	}
	c.Status = CampaignStatus(status)
	return &c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]CampaignRun, error) {
	query := `SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(` OFFSET $%d`, len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list campaigns")
	}
	defer rows.Close()

	var out []CampaignRun
	for rows.Next() {
		var c CampaignRun
		var status string
		if err := rows.Scan(&c.ID, &c.OutRoot, &c.Batches, &c.FailedBatches, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		c.Status = CampaignStatus(status)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate campaigns")
}

func (s *PostgresStore) RecordCapture(ctx context.Context, b *baseline.Baseline) (*CaptureRecord, error) {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO captures (id, node_id, root, merkle_root, entry_count, truncated, captured_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.NodeID, rec.Root, rec.MerkleRoot, rec.EntryCount, rec.Truncated, rec.CapturedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert capture")
	}

	rows := make([][]any, 0, len(b.Entries))
	for _, e := range b.Entries {
		rows = append(rows, []any{rec.ID, e.Path, e.ContentHash, e.Size, e.ModifiedAt})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "baseline_entries",
		[]string{"capture_id", "path", "content_hash", "size", "modified_at"}, rows); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) LatestCapture(ctx context.Context, nodeID, root string) (*CaptureRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, node_id, root, merkle_root, entry_count, truncated, captured_at FROM captures WHERE node_id = $1 AND root = $2 ORDER BY captured_at DESC LIMIT 1`,
		nodeID, root,
	)
	var rec CaptureRecord
	err := row.Scan(&rec.ID, &rec.NodeID, &rec.Root, &rec.MerkleRoot, &rec.EntryCount, &rec.Truncated, &rec.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest capture %s %s", nodeID, root)
	}
	return &rec, nil
}
