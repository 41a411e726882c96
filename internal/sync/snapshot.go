package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commerce-sync-service/internal/logger"
	"commerce-sync-service/internal/store"
)

// SnapshotManager captures a reversible copy of canonical records before a
// run mutates them and can restore it later.
type SnapshotManager struct {
	store store.Store
}

func NewSnapshotManager(st store.Store) *SnapshotManager {
	return &SnapshotManager{store: st}
}

// Capture persists a pre-mutation copy of the given records. Called once
// per run, immediately before its first write.
func (m *SnapshotManager) Capture(ctx context.Context, runID string, records []store.CanonicalRecord) (*store.Snapshot, error) {
	snapshot := &store.Snapshot{
		ID:         uuid.New().String(),
		RunID:      runID,
		CapturedAt: time.Now().UTC(),
		Records:    records,
	}

	if err := m.store.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	logger.Log.Info("Captured snapshot",
		zap.String("snapshotID", snapshot.ID),
		zap.String("runID", runID),
		zap.Int("records", len(records)),
	)

	return snapshot, nil
}

// RecordCreated remembers records the run created after capture so a later
// restore can discard them.
func (m *SnapshotManager) RecordCreated(ctx context.Context, snapshotID string, refs []store.RecordRef) error {
	return m.store.AddSnapshotCreated(ctx, snapshotID, refs)
}

// Restore replaces each covered canonical record with its pre-run content
// and deletes records the run created. Only valid while the snapshot has
// not been pruned.
func (m *SnapshotManager) Restore(ctx context.Context, snapshotID string) (*RestoreResult, error) {
	snapshot, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", snapshotID, err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot %s not found (pruned?)", snapshotID)
	}

	// The store applies the whole revert in one transaction; a failure
	// leaves the canonical records untouched.
	reverted, err := m.store.RestoreSnapshot(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %s: %w", snapshotID, err)
	}

	result := &RestoreResult{
		RecordsReverted: reverted + int64(len(snapshot.Created)),
		Success:         true,
	}

	logger.Log.Info("Restored snapshot",
		zap.String("snapshotID", snapshotID),
		zap.Int64("recordsReverted", result.RecordsReverted),
	)

	return result, nil
}
