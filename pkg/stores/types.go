package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/snapshot"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SnapshotRecord is a stored rollback snapshot with its bookkeeping columns.
type SnapshotRecord struct {
	UnitKey   string                     `json:"unit_key"`
	Snapshot  *snapshot.RollbackSnapshot `json:"snapshot"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// SyncResultRecord is one persisted instance-sync result.
type SyncResultRecord struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	InstanceCount int       `json:"instance_count"`
	Payload       string    `json:"payload"` // JSON blob of the published result
	Heartbeat     time.Time `json:"heartbeat"`
	ObservedAt    time.Time `json:"observed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Rollback snapshots, one per deployed unit
	SaveSnapshot(ctx context.Context, snap *snapshot.RollbackSnapshot) error
	GetSnapshot(ctx context.Context, unit engine.DeployedUnitHandle) (*SnapshotRecord, error)
	ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, error)
	DeleteSnapshot(ctx context.Context, unit engine.DeployedUnitHandle) error

	// Instance-sync results
	RecordSyncResult(ctx context.Context, rec *SyncResultRecord) error
	LatestSyncResult(ctx context.Context, taskID string) (*SyncResultRecord, error)
	ListSyncResults(ctx context.Context, taskID string, limit int) ([]*SyncResultRecord, error)
	PruneSyncResults(ctx context.Context, taskID string, keep int) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
