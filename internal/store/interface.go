package store

import (
	"context"
)

// Store is the repository boundary for everything the engine persists:
// job definitions, run outcomes, canonical records and snapshots.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Jobs
	CreateSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *SyncJob) error
	ListSyncJobs(ctx context.Context) ([]*SyncJob, error)

	// Runs
	CreateSyncRun(ctx context.Context, run *SyncRun) error
	UpdateSyncRun(ctx context.Context, run *SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*SyncRun, error)
	ListSyncRuns(ctx context.Context, filter HistoryFilter) ([]*SyncRun, int64, error)
	// CountSyncRunOutcomes counts terminal and completed runs across every
	// run the filter matches, ignoring Limit and Offset.
	CountSyncRunOutcomes(ctx context.Context, filter HistoryFilter) (terminal, completed int64, err error)

	// Canonical records
	GetCanonicalRecord(ctx context.Context, storeID, recordType, id string) (*CanonicalRecord, error)
	ListCanonicalRecords(ctx context.Context, storeID, recordType string) ([]*CanonicalRecord, error)
	UpsertCanonicalRecord(ctx context.Context, record *CanonicalRecord) error
	DeleteCanonicalRecord(ctx context.Context, storeID, recordType, id string) error

	// Snapshots
	CreateSnapshot(ctx context.Context, snapshot *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	AddSnapshotCreated(ctx context.Context, snapshotID string, refs []RecordRef) error
	// RestoreSnapshot reverts the canonical store to the snapshot atomically:
	// captured records are written back and created records are deleted in
	// one transaction. Returns the number of records written back.
	RestoreSnapshot(ctx context.Context, snapshot *Snapshot) (int64, error)

	// General
	Close() error
}
