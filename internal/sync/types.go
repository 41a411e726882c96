package sync

import (
	"fmt"
	"time"

	"commerce-sync-service/internal/store"
)

type ConflictType string

const (
	ConflictDuplicate         ConflictType = "duplicate"
	ConflictFieldMismatch     ConflictType = "field_mismatch"
	ConflictMissingDependency ConflictType = "missing_dependency"
)

// Conflict is produced and consumed within a single run.
type Conflict struct {
	RecordID   string
	Type       ConflictType
	SourceData *store.CanonicalRecord
	TargetData *store.CanonicalRecord
}

func (c Conflict) String() string {
	return fmt.Sprintf("[%s] %s", c.Type, c.RecordID)
}

// Resolution actions applied by the engine's write path.
const (
	ActionMerged       = "merged"
	ActionUpdated      = "updated"
	ActionManualReview = "manual_review"
	ActionRetryNextRun = "retry_next_run"
	ActionUnresolved   = "unresolved"
)

type Resolution struct {
	RecordID     string       `json:"record_id"`
	ConflictType ConflictType `json:"conflict_type"`
	Resolution   string       `json:"resolution"`
	Action       string       `json:"action"`

	// Record is the canonical record to write, nil when the resolution
	// excludes the incoming record from this run.
	Record *store.CanonicalRecord `json:"-"`
}

type ResolutionResult struct {
	ConflictsResolved int          `json:"conflicts_resolved"`
	Resolutions       []Resolution `json:"resolutions"`
}

type ValidationResult struct {
	Valid            bool     `json:"valid"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
	RecordsValidated int      `json:"records_validated"`
}

// RunResult is the terminal summary handed to callers and the notifier.
type RunResult struct {
	RunID            string          `json:"run_id"`
	JobID            string          `json:"job_id"`
	Status           store.RunStatus `json:"status"`
	RecordsProcessed int64           `json:"records_processed"`
	RecordsCreated   int64           `json:"records_created"`
	RecordsUpdated   int64           `json:"records_updated"`
	RecordsSkipped   int64           `json:"records_skipped"`
	NewRecords       int64           `json:"new_records"`
	UpdatedRecords   int64           `json:"updated_records"`
	DeletedRecords   int64           `json:"deleted_records"`
	Errors           []store.RunError `json:"errors"`
	Warnings         []string        `json:"warnings"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
}

type Progress struct {
	TotalRecords     int64   `json:"total_records"`
	ProcessedRecords int64   `json:"processed_records"`
	Percentage       float64 `json:"percentage"`
}

type StatusView struct {
	RunID               string          `json:"run_id"`
	Status              store.RunStatus `json:"status"`
	Progress            Progress        `json:"progress"`
	StartedAt           time.Time       `json:"started_at"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty"`
}

type HistoryView struct {
	Runs        []*store.SyncRun `json:"runs"`
	TotalRuns   int64            `json:"total_runs"`
	SuccessRate float64          `json:"success_rate"`
}

type RestoreResult struct {
	Success         bool  `json:"success"`
	RecordsReverted int64 `json:"records_reverted"`
}
