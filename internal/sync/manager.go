package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commerce-sync-service/internal/config"
	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/logger"
	"commerce-sync-service/internal/store"
)

// Manager is the engine's operation facade. Everything external callers can
// do with the sync subsystem goes through it.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	registry  *connector.Registry
	engine    *Engine
	scheduler *Scheduler
	notifier  Notifier
}

func NewManager(cfg *config.Config, st store.Store) *Manager {
	registry := connector.NewRegistry(cfg.Sync.GetTimeout())
	engine := NewEngine(st, registry, cfg.Sync)
	notifier := LogNotifier{}
	scheduler := NewScheduler(st, engine, notifier, RefResolver{})

	return &Manager{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		engine:    engine,
		scheduler: scheduler,
		notifier:  notifier,
	}
}

func (m *Manager) Start(ctx context.Context) error {
	if err := m.scheduler.RestoreJobs(ctx); err != nil {
		return err
	}
	m.scheduler.Start()
	logger.Log.Info("Sync manager started")
	return nil
}

func (m *Manager) Stop() {
	m.scheduler.Stop()
	logger.Log.Info("Sync manager stopped")
}

func (m *Manager) ScheduleSyncJob(ctx context.Context, def JobDefinition) (*store.SyncJob, error) {
	return m.scheduler.Schedule(ctx, def)
}

// TriggerSyncJob starts (or queues) a run for an existing job.
func (m *Manager) TriggerSyncJob(ctx context.Context, jobID string) (*store.SyncRun, bool, error) {
	return m.scheduler.Trigger(ctx, jobID)
}

func (m *Manager) CancelSyncJob(ctx context.Context, jobID string) bool {
	return m.scheduler.Cancel(ctx, jobID)
}

func (m *Manager) GetSyncStatus(ctx context.Context, runID string) (*StatusView, error) {
	return m.scheduler.Status(ctx, runID)
}

func (m *Manager) GetSyncHistory(ctx context.Context, filter store.HistoryFilter) (*HistoryView, error) {
	return m.scheduler.History(ctx, filter)
}

// ConnectionParams carries everything an ad-hoc sync needs in one call.
type ConnectionParams struct {
	StoreID     string                `json:"store_id"`
	Credentials connector.Credentials `json:"credentials"`
	SyncTypes   []string              `json:"sync_types"`
	Config      store.JobConfig       `json:"config"`
}

// SyncPlatformData performs a one-shot sync against a platform and blocks
// until the run is terminal. A dedicated job is persisted so the run shows
// up in history like any other.
func (m *Manager) SyncPlatformData(ctx context.Context, platform store.Platform, params ConnectionParams) (*RunResult, error) {
	if _, err := m.registry.Get(platform); err != nil {
		return nil, err
	}

	syncTypes := params.SyncTypes
	if len(syncTypes) == 0 {
		syncTypes = []string{"orders", "products", "customers"}
	}

	now := time.Now().UTC()
	job := &store.SyncJob{
		ID:        uuid.New().String(),
		Platform:  platform,
		StoreID:   params.StoreID,
		SyncTypes: syncTypes,
		Config:    params.Config,
		Status:    store.JobActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist ad-hoc job: %w", err)
	}

	run := &store.SyncRun{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    store.RunPending,
		StartedAt: now,
	}
	if err := m.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	result := m.engine.Execute(ctx, job, run, params.Credentials, &CancelFlag{})
	m.NotifySyncCompletion(ctx, result, NotificationConfig{})
	return result, nil
}

func (m *Manager) ValidateSyncData(records []connector.RawRecord, schema Schema) ValidationResult {
	return Validate(records, schema)
}

func (m *Manager) TransformData(records []connector.RawRecord, cfg TransformConfig) []store.CanonicalRecord {
	return Transform(records, cfg)
}

func (m *Manager) ResolveSyncConflict(conflicts []Conflict, strategy Strategy) (*ResolutionResult, error) {
	return ResolveConflicts(conflicts, strategy)
}

type RollbackParams struct {
	JobID      string `json:"job_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type RollbackResult struct {
	Success         bool   `json:"success"`
	RunID           string `json:"run_id"`
	SnapshotID      string `json:"snapshot_id"`
	RecordsReverted int64  `json:"records_reverted"`
	Reason          string `json:"reason,omitempty"`
}

// RollbackSync restores the snapshot of a failed run, either the one named
// explicitly or the most recent failed run of the job that captured one.
func (m *Manager) RollbackSync(ctx context.Context, params RollbackParams) (*RollbackResult, error) {
	snapshotID := params.SnapshotID
	var run *store.SyncRun

	if snapshotID == "" {
		runs, _, err := m.store.ListSyncRuns(ctx, store.HistoryFilter{JobID: params.JobID})
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		for _, candidate := range runs {
			if candidate.Status == store.RunFailed && candidate.SnapshotID.Valid {
				run = candidate
				snapshotID = candidate.SnapshotID.String
				break
			}
		}
		if run == nil {
			return nil, fmt.Errorf("job %s has no failed run with a snapshot", params.JobID)
		}
	} else {
		snapshot, err := m.store.GetSnapshot(ctx, snapshotID)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		if snapshot == nil {
			return nil, fmt.Errorf("snapshot %s not found", snapshotID)
		}
		run, err = m.store.GetSyncRun(ctx, snapshot.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
		if run == nil {
			return nil, fmt.Errorf("run %s not found", snapshot.RunID)
		}
	}

	if run.Status != store.RunFailed {
		return nil, fmt.Errorf("run %s is %s; only failed runs can be rolled back", run.ID, run.Status)
	}

	restore, err := m.engine.Snapshots().Restore(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	run.Status = store.RunRolledBack
	if err := m.store.UpdateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to mark run rolled back: %w", err)
	}

	logger.Log.Info("Rolled back sync run",
		zap.String("runID", run.ID),
		zap.String("snapshotID", snapshotID),
		zap.String("reason", params.Reason),
	)

	return &RollbackResult{
		Success:         restore.Success,
		RunID:           run.ID,
		SnapshotID:      snapshotID,
		RecordsReverted: restore.RecordsReverted,
		Reason:          params.Reason,
	}, nil
}

// NotifySyncCompletion delegates to the notifier. A delivery failure is
// logged and swallowed; it never fails the run.
func (m *Manager) NotifySyncCompletion(ctx context.Context, result *RunResult, cfg NotificationConfig) bool {
	if err := m.notifier.Notify(ctx, result, cfg); err != nil {
		logger.Log.Warn("Notification delivery failed",
			zap.String("runID", result.RunID), zap.Error(err))
		return false
	}
	return true
}
