package store

import (
	"database/sql"
	"time"
)

type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformStripe      Platform = "stripe"
	PlatformCustom      Platform = "custom"
)

type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCancelled JobStatus = "cancelled"
)

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunRolledBack RunStatus = "rolled_back"
)

// Terminal reports whether a run in this status will never mutate again,
// except for the failed -> rolled_back transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunRolledBack:
		return true
	}
	return false
}

// ResolutionPolicy names the conflict policy per conflict type. Empty
// fields fall back to the engine defaults; unrecognized names are a
// configuration error.
type ResolutionPolicy struct {
	Duplicates          string `json:"duplicates,omitempty"`
	FieldMismatches     string `json:"field_mismatches,omitempty"`
	MissingDependencies string `json:"missing_dependencies,omitempty"`
}

// JobConfig holds per-job tuning. Zero values fall back to the service
// defaults at execution time.
type JobConfig struct {
	BatchSize        int              `json:"batch_size"`
	Parallelism      int              `json:"parallelism"`
	Incremental      bool             `json:"incremental"`
	MemoryLimit      int              `json:"memory_limit"`
	AdaptiveBatching bool             `json:"adaptive_batching"`
	RollbackEnabled  bool             `json:"rollback_enabled"`
	Resolution       ResolutionPolicy `json:"resolution"`
	// TotalRecords, when known up front, selects the batch strategy.
	TotalRecords int `json:"total_records"`
}

type SyncJob struct {
	ID                 string         `db:"id"`
	Platform           Platform       `db:"platform"`
	StoreID            string         `db:"store_id"`
	CredentialsRef     string         `db:"credentials_ref"`
	ScheduleExpression sql.NullString `db:"schedule_expression"`
	SyncTypes          []string       `db:"sync_types"`
	Config             JobConfig      `db:"config"`
	Status             JobStatus      `db:"status"`
	LastSyncTime       sql.NullTime   `db:"last_sync_time"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

type RunError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RecordID string `json:"record_id,omitempty"`
}

type SyncRun struct {
	ID                string         `db:"id"`
	JobID             string         `db:"job_id"`
	Status            RunStatus      `db:"status"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	TotalRecords      int64          `db:"total_records"`
	RecordsProcessed  int64          `db:"records_processed"`
	RecordsCreated    int64          `db:"records_created"`
	RecordsUpdated    int64          `db:"records_updated"`
	RecordsSkipped    int64          `db:"records_skipped"`
	NewRecords        int64          `db:"new_records"`
	UpdatedRecords    int64          `db:"updated_records"`
	DeletedRecords    int64          `db:"deleted_records"`
	Errors            []RunError     `db:"errors"`
	Warnings          []string       `db:"warnings"`
	SnapshotID        sql.NullString `db:"snapshot_id"`
	LastSyncTimestamp sql.NullTime   `db:"last_sync_timestamp"`
}

// CanonicalRecord is the platform-neutral envelope shared by orders,
// products and customers. The sync engine is the sole writer path for
// platform-originated data.
type CanonicalRecord struct {
	ID        string         `db:"id"`
	StoreID   string         `db:"store_id"`
	Type      string         `db:"type"`
	Fields    map[string]any `db:"fields"`
	RawData   map[string]any `db:"raw_data"`
	Version   int64          `db:"version"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// RecordRef identifies a canonical record without its content.
type RecordRef struct {
	StoreID string `json:"store_id"`
	Type    string `json:"type"`
	ID      string `json:"id"`
}

// Snapshot is a point-in-time copy of the canonical records a run may
// mutate, taken before its first write. Created accumulates records the
// run created after capture so restore can discard them.
type Snapshot struct {
	ID         string            `db:"id"`
	RunID      string            `db:"run_id"`
	CapturedAt time.Time         `db:"captured_at"`
	Records    []CanonicalRecord `db:"records"`
	Created    []RecordRef       `db:"created_records"`
}

type HistoryFilter struct {
	StoreID string
	JobID   string
	Limit   int
	Offset  int
	From    time.Time
	To      time.Time
}
