package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCampaign_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, out_root, batches, failed_batches, status, created_at, updated_at FROM campaigns WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCampaign(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get campaign")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCampaign(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO campaigns`).
		WithArgs(pgxmock.AnyArg(), "/tmp/out", 4, "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c, err := s.CreateCampaign(context.Background(), "/tmp/out", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, CampaignRunning, c.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteCampaign_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE campaigns SET status`).
		WithArgs("failed", 2, pgxmock.AnyArg(), "missing-id").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteCampaign(context.Background(), "missing-id", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestCapture_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, node_id, root, merkle_root, entry_count, truncated, captured_at FROM captures`).
		WithArgs("node-a", "/srv/data").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.LatestCapture(context.Background(), "node-a", "/srv/data")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordCapture_CopiesEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, node_id, root, merkle_root, entry_count, truncated, captured_at FROM captures`).
		WithArgs("node-a", "/srv/data").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "node_id", "root", "merkle_root", "entry_count", "truncated", "captured_at"}).
			AddRow("prev-id", "node-a", "/srv/data", "root-old", 2, false, now.Add(-time.Hour)))

	mock.ExpectExec(`INSERT INTO captures`).
		WithArgs(pgxmock.AnyArg(), "node-a", "/srv/data", "root-new", 2, false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectCopyFrom(pgx.Identifier{"baseline_entries"},
		[]string{"capture_id", "path", "content_hash", "size", "modified_at"}).
		WillReturnResult(2)

	b := testBaseline("node-a", "/srv/data", "root-new", now)
	rec, err := s.RecordCapture(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, rec.Drifted)
	assert.Equal(t, "root-old", rec.PreviousRoot)
	assert.NoError(t, mock.ExpectationsWereMet())
}
