package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/snapshot"
)

// setupTestStore creates a migrated SQLite store in a temp dir
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "agent.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

var webUnit = engine.DeployedUnitHandle{Cluster: "prod", ServiceName: "web", Region: "us-east-1"}

func webSnapshot(desc string) *snapshot.RollbackSnapshot {
	return &snapshot.RollbackSnapshot{
		Unit:                      webUnit,
		ServiceDescriptor:         desc,
		ScalableTargetDescriptors: []string{`{"resourceId":"service/prod/web"}`},
		DegradedEntries:           []string{"scaling_policies:service/prod/web"},
		CapturedAt:                time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// a second run has nothing to do
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("expected repeated migration to succeed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"rollback_snapshots", "sync_results"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, webSnapshot(`{"serviceName":"web","desiredCount":2}`)); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	rec, err := store.GetSnapshot(ctx, webUnit)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if rec.UnitKey != "us-east-1/prod/web" {
		t.Errorf("expected unit key us-east-1/prod/web, got %s", rec.UnitKey)
	}
	got := rec.Snapshot
	if got.Unit != webUnit {
		t.Errorf("expected unit %v, got %v", webUnit, got.Unit)
	}
	if got.ServiceDescriptor != `{"serviceName":"web","desiredCount":2}` {
		t.Errorf("expected service descriptor preserved, got %s", got.ServiceDescriptor)
	}
	if len(got.ScalableTargetDescriptors) != 1 || len(got.DegradedEntries) != 1 {
		t.Errorf("expected 1 target and 1 degraded entry, got %d and %d",
			len(got.ScalableTargetDescriptors), len(got.DegradedEntries))
	}
	if !got.CapturedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("expected captured time preserved, got %v", got.CapturedAt)
	}
}

func TestSaveSnapshotReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, webSnapshot(`{"desiredCount":2}`)); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	first, err := store.GetSnapshot(ctx, webUnit)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}

	if err := store.SaveSnapshot(ctx, snapshot.FirstDeployment(webUnit)); err != nil {
		t.Fatalf("failed to replace snapshot: %v", err)
	}
	rec, err := store.GetSnapshot(ctx, webUnit)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if !rec.Snapshot.IsFirstDeployment || rec.Snapshot.ServiceDescriptor != "" {
		t.Errorf("expected the first-deployment snapshot, got %+v", rec.Snapshot)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected created_at kept across replace, got %v then %v", first.CreatedAt, rec.CreatedAt)
	}

	list, err := store.ListSnapshots(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(list))
	}
}

func TestSnapshotNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSnapshot(ctx, webUnit); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteSnapshot(ctx, webUnit); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
	if err := store.SaveSnapshot(ctx, nil); !engine.IsInvalidArguments(err) {
		t.Fatalf("expected invalid arguments for nil snapshot, got %v", err)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	other := engine.DeployedUnitHandle{Cluster: "prod", ServiceName: "api", Region: "us-east-1"}
	if err := store.SaveSnapshot(ctx, webSnapshot("{}")); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	if err := store.SaveSnapshot(ctx, snapshot.FirstDeployment(other)); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	if err := store.DeleteSnapshot(ctx, webUnit); err != nil {
		t.Fatalf("failed to delete snapshot: %v", err)
	}
	if _, err := store.GetSnapshot(ctx, webUnit); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted snapshot gone, got %v", err)
	}
	if _, err := store.GetSnapshot(ctx, other); err != nil {
		t.Errorf("expected other snapshot kept, got %v", err)
	}
}

func syncResult(taskID string, n int, observed time.Time) *SyncResultRecord {
	return &SyncResultRecord{
		ID:            fmt.Sprintf("%s-%d", taskID, n),
		TaskID:        taskID,
		Kind:          "PDC",
		Status:        "SUCCESS",
		InstanceCount: n,
		Payload:       fmt.Sprintf(`{"instances":%d}`, n),
		Heartbeat:     observed.Add(-time.Second),
		ObservedAt:    observed,
	}
}

func TestSyncResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		if err := store.RecordSyncResult(ctx, syncResult("task-a", i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("failed to record sync result: %v", err)
		}
	}
	msg := "host unreachable"
	failed := syncResult("task-b", 0, base)
	failed.Status = "FAILURE"
	failed.ErrorMessage = &msg
	if err := store.RecordSyncResult(ctx, failed); err != nil {
		t.Fatalf("failed to record sync result: %v", err)
	}

	latest, err := store.LatestSyncResult(ctx, "task-a")
	if err != nil {
		t.Fatalf("failed to get latest sync result: %v", err)
	}
	if latest.ID != "task-a-3" || latest.InstanceCount != 3 {
		t.Errorf("expected task-a-3 with 3 instances, got %s with %d", latest.ID, latest.InstanceCount)
	}
	if !latest.ObservedAt.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("expected observed time preserved, got %v", latest.ObservedAt)
	}

	b, err := store.LatestSyncResult(ctx, "task-b")
	if err != nil {
		t.Fatalf("failed to get latest sync result: %v", err)
	}
	if b.ErrorMessage == nil || *b.ErrorMessage != msg {
		t.Errorf("expected error message %q, got %v", msg, b.ErrorMessage)
	}

	if _, err := store.LatestSyncResult(ctx, "task-c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	pruned, err := store.PruneSyncResults(ctx, "task-a", 1)
	if err != nil {
		t.Fatalf("failed to prune sync results: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned, got %d", pruned)
	}
	list, err := store.ListSyncResults(ctx, "task-a", 10)
	if err != nil {
		t.Fatalf("failed to list sync results: %v", err)
	}
	if len(list) != 1 || list[0].ID != "task-a-3" {
		t.Errorf("expected only task-a-3 kept, got %d results", len(list))
	}
}

func TestRecordSyncResultValidation(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordSyncResult(context.Background(), &SyncResultRecord{TaskID: "task-a"})
	if !engine.IsInvalidArguments(err) {
		t.Fatalf("expected invalid arguments, got %v", err)
	}
}
