package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"commerce-sync-service/internal/config"
	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/logger"
	"commerce-sync-service/internal/store"
)

// CancelFlag is the cooperative cancellation token passed into the batch
// loop. It is checked between batches, never mid-batch.
type CancelFlag struct {
	flag atomic.Bool
}

func (f *CancelFlag) Cancel() {
	if f != nil {
		f.flag.Store(true)
	}
}

func (f *CancelFlag) Cancelled() bool {
	return f != nil && f.flag.Load()
}

type strategyKind string

const (
	strategyFull        strategyKind = "full"
	strategyIncremental strategyKind = "incremental"
	strategyBatch       strategyKind = "batch"
)

// Engine orchestrates connectors, validation, transformation, conflict
// resolution and snapshots into the three sync strategies.
type Engine struct {
	store      store.Store
	connectors *connector.Registry
	snapshots  *SnapshotManager
	detector   *Detector
	retry      RetryPolicy

	defaultBatchSize   int
	defaultParallelism int
	pipelines          map[string]PipelineConfig
}

func NewEngine(st store.Store, registry *connector.Registry, cfg config.SyncConfig) *Engine {
	return &Engine{
		store:              st,
		connectors:         registry,
		snapshots:          NewSnapshotManager(st),
		detector:           NewDetector(st),
		retry:              DefaultRetryPolicy(cfg.RetryAttempts),
		defaultBatchSize:   cfg.BatchSize,
		defaultParallelism: cfg.Parallelism,
		pipelines:          DefaultPipelines(),
	}
}

func (e *Engine) Snapshots() *SnapshotManager {
	return e.snapshots
}

// RegisterPipeline overrides the schema and transform rules for one record
// kind.
func (e *Engine) RegisterPipeline(syncType string, cfg PipelineConfig) {
	e.pipelines[syncType] = cfg
}

func (e *Engine) pipeline(syncType string) PipelineConfig {
	if cfg, ok := e.pipelines[syncType]; ok {
		return cfg
	}
	// Unknown kinds pass through with identity semantics: require an id,
	// keep id/updated_at/deleted.
	return PipelineConfig{
		Schema: Schema{RequiredFields: []string{"id"}},
		Mappings: map[string]string{
			"id":         "id",
			"updated_at": "updated_at",
			"deleted":    "deleted",
		},
	}
}

// runState is the per-run mutable state. It is owned by the run and guarded
// for the batch strategy's parallel batches.
type runState struct {
	mu  gosync.Mutex
	run *store.SyncRun
	job *store.SyncJob

	resolution Strategy
	batchSize  int

	// snapMu serializes the capture sequence; without it parallel batches
	// could each capture their own snapshot.
	snapMu       gosync.Mutex
	needSnapshot bool
	snapshot     *store.Snapshot
	createdRefs  []store.RecordRef
}

func (rs *runState) currentBatchSize() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.batchSize
}

func (rs *runState) processed() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.RecordsProcessed
}

func (rs *runState) addCreated(ref store.RecordRef) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.RecordsCreated++
	rs.run.NewRecords++
	rs.run.RecordsProcessed++
	if rs.snapshot != nil {
		rs.createdRefs = append(rs.createdRefs, ref)
	}
}

func (rs *runState) addUpdated() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.RecordsUpdated++
	rs.run.UpdatedRecords++
	rs.run.RecordsProcessed++
}

// A processed tombstone mutates the store, so it counts as an update in the
// processed totals while also advancing the deleted classification.
func (rs *runState) addDeleted() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.RecordsUpdated++
	rs.run.DeletedRecords++
	rs.run.RecordsProcessed++
}

func (rs *runState) addSkipped() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.RecordsSkipped++
	rs.run.RecordsProcessed++
}

func (rs *runState) appendError(runErr store.RunError) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Errors = append(rs.run.Errors, runErr)
}

func (rs *runState) appendWarning(warning string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Warnings = append(rs.run.Warnings, warning)
}

// Execute runs the job's strategy to a terminal state and returns the run
// summary. The run row is kept up to date in the store as batches complete.
func (e *Engine) Execute(ctx context.Context, job *store.SyncJob, run *store.SyncRun, creds connector.Credentials, cancel *CancelFlag) *RunResult {
	start := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = start
	}
	run.Status = store.RunRunning
	if job.Config.TotalRecords > 0 {
		run.TotalRecords = int64(job.Config.TotalRecords)
	}
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		logger.Log.Error("Failed to mark run running", zap.String("runID", run.ID), zap.Error(err))
	}

	kind := pickStrategy(job)
	logger.Log.Info("Starting sync run",
		zap.String("runID", run.ID),
		zap.String("jobID", job.ID),
		zap.String("strategy", string(kind)),
	)

	rs := &runState{
		run:          run,
		job:          job,
		resolution:   StrategyFromPolicy(job.Config.Resolution),
		batchSize:    job.Config.BatchSize,
		needSnapshot: kind == strategyFull || job.Config.RollbackEnabled,
	}
	if rs.batchSize <= 0 {
		rs.batchSize = e.defaultBatchSize
	}
	if rs.batchSize <= 0 {
		rs.batchSize = 100
	}

	// interrupted is whether the batch loop itself stopped on the cancel
	// flag. A flag raised after the final batch leaves the run completed:
	// everything was processed.
	var interrupted bool
	execErr := rs.resolution.Validate()
	if execErr == nil {
		var conn connector.Connector
		conn, execErr = e.connectors.Get(job.Platform)
		if execErr == nil {
			switch kind {
			case strategyBatch:
				interrupted, execErr = e.runBatches(ctx, rs, conn, creds, cancel)
			default:
				interrupted, execErr = e.runSequential(ctx, rs, conn, creds, cancel, kind == strategyIncremental)
			}
		}
	}

	now := time.Now().UTC()
	switch {
	case execErr != nil:
		run.Status = store.RunFailed
		run.Errors = append(run.Errors, store.RunError{
			Code:    errorCode(execErr),
			Message: execErr.Error(),
		})
		logger.Log.Error("Sync run failed", zap.String("runID", run.ID), zap.Error(execErr))
	case interrupted:
		run.Status = store.RunCancelled
	default:
		run.Status = store.RunCompleted
	}
	run.CompletedAt = sql.NullTime{Time: now, Valid: true}

	// The watermark only advances once the run is terminal and not failed.
	if kind == strategyIncremental && run.Status != store.RunFailed {
		run.LastSyncTimestamp = sql.NullTime{Time: start, Valid: true}
		job.LastSyncTime = run.LastSyncTimestamp
		if err := e.store.UpdateSyncJob(ctx, job); err != nil {
			logger.Log.Error("Failed to advance watermark", zap.String("jobID", job.ID), zap.Error(err))
		}
	}

	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		logger.Log.Error("Failed to record run outcome", zap.String("runID", run.ID), zap.Error(err))
	}

	return runResult(job, run)
}

func pickStrategy(job *store.SyncJob) strategyKind {
	if job.Config.Incremental {
		return strategyIncremental
	}
	if job.Config.TotalRecords > 0 {
		return strategyBatch
	}
	return strategyFull
}

func errorCode(err error) string {
	if connector.IsAuthentication(err) {
		return "authentication_error"
	}
	var ce *connector.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case connector.KindRateLimit:
			return "rate_limit_error"
		case connector.KindTimeout:
			return "timeout_error"
		}
	}
	if errors.Is(err, ErrUnknownPolicy) {
		return "configuration_error"
	}
	return "sync_error"
}

// runSequential executes full and incremental syncs: batches are fetched
// and applied in order, which watermark advancement depends on. The bool
// reports whether the loop stopped on the cancel flag with pages still
// pending.
func (e *Engine) runSequential(ctx context.Context, rs *runState, conn connector.Connector, creds connector.Credentials, cancel *CancelFlag, incremental bool) (bool, error) {
	for _, syncType := range rs.job.SyncTypes {
		pipeline := e.pipeline(syncType)

		window := connector.Window{Limit: rs.currentBatchSize()}
		if incremental && rs.job.LastSyncTime.Valid {
			window.Since = rs.job.LastSyncTime.Time
		}

		for {
			if cancel.Cancelled() {
				return true, nil
			}

			var page *connector.Page
			err := e.retry.Do(ctx, func() error {
				p, fetchErr := conn.FetchPage(ctx, creds, syncType, window)
				if fetchErr != nil {
					return fetchErr
				}
				page = p
				return nil
			})
			if err != nil {
				return false, fmt.Errorf("failed to fetch %s page: %w", syncType, err)
			}

			if len(page.Records) > 0 {
				if err := e.processBatch(ctx, rs, syncType, pipeline, page.Records); err != nil {
					return false, err
				}
				e.adaptBatchSize(rs)
			}

			if page.NextCursor == "" {
				break
			}
			window.Cursor = page.NextCursor
			window.Limit = rs.currentBatchSize()

			if err := e.store.UpdateSyncRun(ctx, rs.run); err != nil {
				logger.Log.Warn("Failed to checkpoint run progress", zap.String("runID", rs.run.ID), zap.Error(err))
			}
		}
	}

	return false, nil
}

// runBatches executes the batch strategy: a known total split into
// fixed-size offset windows, processed in waves of bounded parallelism.
// Batches may complete out of order; counters aggregate commutatively.
// The bool reports whether the loop stopped on the cancel flag with
// windows still pending.
func (e *Engine) runBatches(ctx context.Context, rs *runState, conn connector.Connector, creds connector.Credentials, cancel *CancelFlag) (bool, error) {
	parallelism := rs.job.Config.Parallelism
	if parallelism <= 0 {
		parallelism = e.defaultParallelism
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	total := rs.job.Config.TotalRecords

	for _, syncType := range rs.job.SyncTypes {
		pipeline := e.pipeline(syncType)

		offset := 0
		for offset < total {
			if cancel.Cancelled() {
				return true, nil
			}

			batchSize := rs.currentBatchSize()
			var windows []connector.Window
			for w := 0; w < parallelism && offset < total; w++ {
				limit := batchSize
				if remaining := total - offset; remaining < limit {
					limit = remaining
				}
				windows = append(windows, connector.Window{
					Cursor: strconv.Itoa(offset),
					Limit:  limit,
				})
				offset += limit
			}

			errCh := make(chan error, len(windows))
			var wg gosync.WaitGroup
			for _, window := range windows {
				wg.Add(1)
				go func(window connector.Window) {
					defer wg.Done()

					var page *connector.Page
					err := e.retry.Do(ctx, func() error {
						p, fetchErr := conn.FetchPage(ctx, creds, syncType, window)
						if fetchErr != nil {
							return fetchErr
						}
						page = p
						return nil
					})
					if err != nil {
						errCh <- fmt.Errorf("failed to fetch %s batch at %s: %w", syncType, window.Cursor, err)
						return
					}
					if len(page.Records) == 0 {
						return
					}
					if err := e.processBatch(ctx, rs, syncType, pipeline, page.Records); err != nil {
						errCh <- err
					}
				}(window)
			}
			wg.Wait()
			close(errCh)
			if err := <-errCh; err != nil {
				return false, err
			}

			e.adaptBatchSize(rs)

			if err := e.store.UpdateSyncRun(ctx, rs.run); err != nil {
				logger.Log.Warn("Failed to checkpoint run progress", zap.String("runID", rs.run.ID), zap.Error(err))
			}
		}
	}

	return false, nil
}

// adaptBatchSize halves the batch size for subsequent batches once the
// accumulated processed count crosses the configured memory limit. The
// batch size never grows back mid-run.
func (e *Engine) adaptBatchSize(rs *runState) {
	if !rs.job.Config.AdaptiveBatching || rs.job.Config.MemoryLimit <= 0 {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.run.RecordsProcessed <= int64(rs.job.Config.MemoryLimit) || rs.batchSize <= 1 {
		return
	}

	rs.batchSize /= 2
	if rs.batchSize < 1 {
		rs.batchSize = 1
	}
	warning := fmt.Sprintf("memory limit %d exceeded after %d records; batch size reduced to %d",
		rs.job.Config.MemoryLimit, rs.run.RecordsProcessed, rs.batchSize)
	rs.run.Warnings = append(rs.run.Warnings, warning)

	logger.Log.Warn("Adaptive batching engaged",
		zap.String("runID", rs.run.ID),
		zap.Int("batchSize", rs.batchSize),
	)
}

// processBatch runs the per-batch pipeline: validate (quarantining invalid
// records as skipped), transform, diff against the canonical store, resolve
// conflicts, write, and update counters.
func (e *Engine) processBatch(ctx context.Context, rs *runState, syncType string, pipeline PipelineConfig, records []connector.RawRecord) error {
	valid := make([]connector.RawRecord, 0, len(records))
	for i, record := range records {
		result := Validate([]connector.RawRecord{record}, pipeline.Schema)
		for _, warning := range result.Warnings {
			rs.appendWarning(warning)
		}
		if !result.Valid {
			rs.addSkipped()
			rs.appendError(store.RunError{
				Code:     "validation_error",
				Message:  strings.Join(result.Errors, "; "),
				RecordID: recordKey(record, i),
			})
			continue
		}
		valid = append(valid, record)
	}

	canonical := Transform(valid, TransformConfig{
		Platform:     rs.job.Platform,
		StoreID:      rs.job.StoreID,
		Type:         syncType,
		Mappings:     pipeline.Mappings,
		Calculations: pipeline.Calculations,
	})

	var live, tombstones []store.CanonicalRecord
	for _, record := range canonical {
		if deleted, ok := record.Fields["deleted"].(bool); ok && deleted {
			tombstones = append(tombstones, record)
			continue
		}
		live = append(live, record)
	}

	conflicts, err := e.detector.Detect(ctx, live)
	if err != nil {
		return err
	}

	resolved, err := ResolveConflicts(conflicts, rs.resolution)
	if err != nil {
		return err
	}

	conflicted := make(map[string]bool, len(conflicts))
	for _, conflict := range conflicts {
		conflicted[conflict.RecordID] = true
	}

	willWrite := len(tombstones) > 0 || len(resolved.Resolutions) > 0
	if !willWrite {
		for i := range live {
			if !conflicted[live[i].ID] {
				willWrite = true
				break
			}
		}
	}
	if willWrite {
		if err := e.ensureSnapshot(ctx, rs); err != nil {
			return err
		}
	}

	for i := range live {
		record := &live[i]
		if conflicted[record.ID] {
			continue
		}
		existing, err := e.store.GetCanonicalRecord(ctx, record.StoreID, record.Type, record.ID)
		if err != nil {
			return fmt.Errorf("failed to read record %s: %w", record.ID, err)
		}
		if existing != nil {
			// Same content hash, otherwise it would have conflicted.
			rs.addSkipped()
			continue
		}
		record.Version = 1
		if err := e.store.UpsertCanonicalRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to write record %s: %w", record.ID, err)
		}
		rs.addCreated(store.RecordRef{StoreID: record.StoreID, Type: record.Type, ID: record.ID})
	}

	for _, resolution := range resolved.Resolutions {
		switch resolution.Action {
		case ActionMerged, ActionUpdated:
			record := *resolution.Record
			existing, err := e.store.GetCanonicalRecord(ctx, record.StoreID, record.Type, record.ID)
			if err != nil {
				return fmt.Errorf("failed to read record %s: %w", record.ID, err)
			}
			if existing != nil {
				record.Version = existing.Version + 1
			} else {
				record.Version = 1
			}
			if err := e.store.UpsertCanonicalRecord(ctx, &record); err != nil {
				return fmt.Errorf("failed to write record %s: %w", record.ID, err)
			}
			if existing == nil {
				rs.addCreated(store.RecordRef{StoreID: record.StoreID, Type: record.Type, ID: record.ID})
			} else {
				rs.addUpdated()
			}
		case ActionManualReview, ActionRetryNextRun:
			rs.addSkipped()
			rs.appendWarning(fmt.Sprintf("record %s flagged: %s (%s)",
				resolution.RecordID, resolution.Action, resolution.ConflictType))
		default:
			rs.addSkipped()
			rs.appendError(store.RunError{
				Code:     "conflict_unresolved",
				Message:  fmt.Sprintf("no resolution for %s conflict", resolution.ConflictType),
				RecordID: resolution.RecordID,
			})
		}
	}

	for i := range tombstones {
		record := &tombstones[i]
		existing, err := e.store.GetCanonicalRecord(ctx, record.StoreID, record.Type, record.ID)
		if err != nil {
			return fmt.Errorf("failed to read record %s: %w", record.ID, err)
		}
		if existing == nil {
			rs.addSkipped()
			continue
		}
		if err := e.store.DeleteCanonicalRecord(ctx, record.StoreID, record.Type, record.ID); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", record.ID, err)
		}
		rs.addDeleted()
	}

	return e.flushCreatedRefs(ctx, rs)
}

// ensureSnapshot captures the pre-mutation snapshot once, immediately
// before the run's first write. The affected set is taken conservatively:
// every existing record of the job's store and sync types. The whole
// check-list-capture-assign sequence holds snapMu so that concurrent
// batches agree on a single snapshot.
func (e *Engine) ensureSnapshot(ctx context.Context, rs *runState) error {
	rs.snapMu.Lock()
	defer rs.snapMu.Unlock()

	rs.mu.Lock()
	need := rs.needSnapshot && rs.snapshot == nil
	rs.mu.Unlock()
	if !need {
		return nil
	}

	var affected []store.CanonicalRecord
	for _, syncType := range rs.job.SyncTypes {
		existing, err := e.store.ListCanonicalRecords(ctx, rs.job.StoreID, syncType)
		if err != nil {
			return fmt.Errorf("failed to list records for snapshot: %w", err)
		}
		for _, record := range existing {
			affected = append(affected, *record)
		}
	}

	snapshot, err := e.snapshots.Capture(ctx, rs.run.ID, affected)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	rs.snapshot = snapshot
	rs.run.SnapshotID = sql.NullString{String: snapshot.ID, Valid: true}
	rs.mu.Unlock()

	return nil
}

func (e *Engine) flushCreatedRefs(ctx context.Context, rs *runState) error {
	rs.mu.Lock()
	snapshot := rs.snapshot
	refs := rs.createdRefs
	rs.createdRefs = nil
	rs.mu.Unlock()

	if snapshot == nil || len(refs) == 0 {
		return nil
	}
	return e.snapshots.RecordCreated(ctx, snapshot.ID, refs)
}

func runResult(job *store.SyncJob, run *store.SyncRun) *RunResult {
	result := &RunResult{
		RunID:            run.ID,
		JobID:            job.ID,
		Status:           run.Status,
		RecordsProcessed: run.RecordsProcessed,
		RecordsCreated:   run.RecordsCreated,
		RecordsUpdated:   run.RecordsUpdated,
		RecordsSkipped:   run.RecordsSkipped,
		NewRecords:       run.NewRecords,
		UpdatedRecords:   run.UpdatedRecords,
		DeletedRecords:   run.DeletedRecords,
		Errors:           run.Errors,
		Warnings:         run.Warnings,
		StartedAt:        run.StartedAt,
	}
	if run.CompletedAt.Valid {
		result.CompletedAt = run.CompletedAt.Time
	}
	return result
}
