// Package store persists campaign runs and baseline captures, with a
// SQLite backend for single-node use and a PostgreSQL backend for
// shared fleets.
package store

import (
	"context"
	"time"

	"github.com/quorumfield/stabilizer-cli/internal/baseline"
)

// CampaignStatus is the lifecycle state of a recorded campaign.
type CampaignStatus string

const (
	CampaignRunning   CampaignStatus = "running"
	CampaignSucceeded CampaignStatus = "succeeded"
	CampaignFailed    CampaignStatus = "failed"
)

// CampaignRun is one recorded campaign execution.
type CampaignRun struct {
	ID            string         `json:"id"`
	OutRoot       string         `json:"out_root"`
	Batches       int            `json:"batches"`
	FailedBatches int            `json:"failed_batches"`
	Status        CampaignStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CampaignFilter specifies criteria for listing campaigns.
type CampaignFilter struct {
	Status CampaignStatus `json:"status,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// CaptureRecord is one recorded baseline capture. Drifted is computed
// at record time against the node's previous capture of the same root:
// a changed Merkle root means the tree's content changed.
type CaptureRecord struct {
	ID           string    `json:"id"`
	NodeID       string    `json:"node_id"`
	Root         string    `json:"root"`
	MerkleRoot   string    `json:"merkle_root"`
	EntryCount   int       `json:"entry_count"`
	Truncated    bool      `json:"truncated,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	Drifted      bool      `json:"drifted,omitempty"`
	PreviousRoot string    `json:"previous_root,omitempty"`
}

// Store defines the persistence interface for the stabilization
// harness.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, outRoot string, batches int) (*CampaignRun, error)
	CompleteCampaign(ctx context.Context, id string, failedBatches int) error
	GetCampaign(ctx context.Context, id string) (*CampaignRun, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]CampaignRun, error)

	// Baseline captures
	RecordCapture(ctx context.Context, b *baseline.Baseline) (*CaptureRecord, error)
	LatestCapture(ctx context.Context, nodeID, root string) (*CaptureRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
