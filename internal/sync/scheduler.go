package sync

import (
	"context"
	"database/sql"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"commerce-sync-service/internal/logger"
	"commerce-sync-service/internal/store"
)

// JobDefinition is the operator-facing input for scheduling a job.
type JobDefinition struct {
	Platform           store.Platform  `json:"platform"`
	StoreID            string          `json:"store_id"`
	CredentialsRef     string          `json:"credentials_ref"`
	ScheduleExpression string          `json:"schedule_expression,omitempty"`
	SyncTypes          []string        `json:"sync_types"`
	Config             store.JobConfig `json:"config"`
	// Exclusive rejects the definition when another active scheduled job
	// covers the same store and sync type.
	Exclusive bool `json:"exclusive,omitempty"`
}

// Scheduler owns job lifecycle: cron recurrence, per-job mutual exclusion,
// cooperative cancellation, and status/history queries. Each job's runs
// execute on their own goroutine; a trigger that arrives while a run is
// active is queued (depth one, coalescing) and starts once the active run
// reaches a terminal state.
type Scheduler struct {
	store    store.Store
	engine   *Engine
	notifier Notifier
	creds    CredentialsResolver
	cron     *cron.Cron

	mu      gosync.Mutex
	entries map[string]cron.EntryID
	active  map[string]*CancelFlag
	queued  map[string]bool
	wg      gosync.WaitGroup
}

func NewScheduler(st store.Store, engine *Engine, notifier Notifier, creds CredentialsResolver) *Scheduler {
	return &Scheduler{
		store:    st,
		engine:   engine,
		notifier: notifier,
		creds:    creds,
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
		active:   make(map[string]*CancelFlag),
		queued:   make(map[string]bool),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// RestoreJobs re-registers cron entries for persisted active jobs after a
// restart.
func (s *Scheduler) RestoreJobs(ctx context.Context) error {
	jobs, err := s.store.ListSyncJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Status != store.JobActive || !job.ScheduleExpression.Valid {
			continue
		}
		if err := s.registerCron(job.ID, job.ScheduleExpression.String); err != nil {
			logger.Log.Error("Failed to restore job schedule",
				zap.String("jobID", job.ID), zap.Error(err))
		}
	}

	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()

	s.mu.Lock()
	for _, flag := range s.active {
		flag.Cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Log.Info("Stopped scheduler")
}

// Schedule validates and persists a job definition and registers its cron
// entry when it carries a schedule expression.
func (s *Scheduler) Schedule(ctx context.Context, def JobDefinition) (*store.SyncJob, error) {
	if len(def.SyncTypes) == 0 {
		return nil, fmt.Errorf("job must declare at least one sync type")
	}
	switch def.Platform {
	case store.PlatformShopify, store.PlatformWooCommerce, store.PlatformStripe, store.PlatformCustom:
	default:
		return nil, fmt.Errorf("unknown platform %q", def.Platform)
	}
	if err := StrategyFromPolicy(def.Config.Resolution).Validate(); err != nil {
		return nil, err
	}
	if def.ScheduleExpression != "" {
		if _, err := cron.ParseStandard(def.ScheduleExpression); err != nil {
			return nil, fmt.Errorf("invalid schedule expression %q: %w", def.ScheduleExpression, err)
		}
	}

	if def.Exclusive {
		if err := s.checkOverlap(ctx, def); err != nil {
			return nil, err
		}
	}

	job := &store.SyncJob{
		ID:             uuid.New().String(),
		Platform:       def.Platform,
		StoreID:        def.StoreID,
		CredentialsRef: def.CredentialsRef,
		SyncTypes:      def.SyncTypes,
		Config:         def.Config,
		Status:         store.JobActive,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if def.ScheduleExpression != "" {
		job.ScheduleExpression = sql.NullString{String: def.ScheduleExpression, Valid: true}
	}

	if err := s.store.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if def.ScheduleExpression != "" {
		if err := s.registerCron(job.ID, def.ScheduleExpression); err != nil {
			return nil, err
		}
	}

	logger.Log.Info("Scheduled sync job",
		zap.String("jobID", job.ID),
		zap.String("platform", string(job.Platform)),
		zap.String("schedule", def.ScheduleExpression),
	)

	return job, nil
}

func (s *Scheduler) checkOverlap(ctx context.Context, def JobDefinition) error {
	jobs, err := s.store.ListSyncJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	wanted := make(map[string]bool, len(def.SyncTypes))
	for _, t := range def.SyncTypes {
		wanted[t] = true
	}

	for _, job := range jobs {
		if job.Status != store.JobActive || job.StoreID != def.StoreID || !job.ScheduleExpression.Valid {
			continue
		}
		for _, t := range job.SyncTypes {
			if wanted[t] {
				return fmt.Errorf("schedule overlaps job %s on store %s sync type %s", job.ID, def.StoreID, t)
			}
		}
	}

	return nil
}

func (s *Scheduler) registerCron(jobID, expr string) error {
	entryID, err := s.cron.AddFunc(expr, func() {
		if _, queued, err := s.Trigger(context.Background(), jobID); err != nil {
			logger.Log.Error("Scheduled trigger failed", zap.String("jobID", jobID), zap.Error(err))
		} else if queued {
			logger.Log.Info("Scheduled trigger queued behind active run", zap.String("jobID", jobID))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[jobID] = entryID
	s.mu.Unlock()
	return nil
}

// Trigger starts a run for the job, or queues one if the job already has a
// running run. The queue has depth one: further triggers coalesce.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (*store.SyncRun, bool, error) {
	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, false, fmt.Errorf("job %s not found", jobID)
	}
	if job.Status == store.JobCancelled {
		return nil, false, fmt.Errorf("job %s is cancelled", jobID)
	}

	s.mu.Lock()
	if _, busy := s.active[jobID]; busy {
		s.queued[jobID] = true
		s.mu.Unlock()
		return nil, true, nil
	}
	flag := &CancelFlag{}
	s.active[jobID] = flag
	s.mu.Unlock()

	run := &store.SyncRun{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Status:    store.RunPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		s.mu.Lock()
		delete(s.active, jobID)
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to persist run: %w", err)
	}

	s.wg.Add(1)
	go s.execute(job, run, flag)

	return run, false, nil
}

func (s *Scheduler) execute(job *store.SyncJob, run *store.SyncRun, flag *CancelFlag) {
	defer s.wg.Done()
	ctx := context.Background()

	creds, err := s.creds.Resolve(ctx, job.CredentialsRef)
	var result *RunResult
	if err != nil {
		run.Status = store.RunFailed
		run.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		run.Errors = append(run.Errors, store.RunError{
			Code:    "authentication_error",
			Message: err.Error(),
		})
		if updateErr := s.store.UpdateSyncRun(ctx, run); updateErr != nil {
			logger.Log.Error("Failed to record run outcome", zap.String("runID", run.ID), zap.Error(updateErr))
		}
		result = runResult(job, run)
	} else {
		result = s.engine.Execute(ctx, job, run, creds, flag)
	}

	// Notification failures never change run status.
	if err := s.notifier.Notify(ctx, result, NotificationConfig{}); err != nil {
		logger.Log.Warn("Failed to notify run completion",
			zap.String("runID", run.ID), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.active, job.ID)
	queuedNext := s.queued[job.ID]
	delete(s.queued, job.ID)
	s.mu.Unlock()

	if queuedNext {
		if _, _, err := s.Trigger(ctx, job.ID); err != nil {
			logger.Log.Error("Failed to start queued run", zap.String("jobID", job.ID), zap.Error(err))
		}
	}
}

// Cancel sets the cooperative cancellation flag on the job's active run (if
// any), removes its cron entry and marks the job cancelled. Records written
// by already-completed batches are retained.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}

	s.mu.Lock()
	if flag, busy := s.active[jobID]; busy {
		flag.Cancel()
	}
	delete(s.queued, jobID)
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
	s.mu.Unlock()

	job.Status = store.JobCancelled
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSyncJob(ctx, job); err != nil {
		logger.Log.Error("Failed to mark job cancelled", zap.String("jobID", jobID), zap.Error(err))
		return false
	}

	logger.Log.Info("Cancelled sync job", zap.String("jobID", jobID))
	return true
}

// Status reports run progress. Estimated completion is a linear
// extrapolation and only available once some records have been processed
// against a known total.
func (s *Scheduler) Status(ctx context.Context, runID string) (*StatusView, error) {
	run, err := s.store.GetSyncRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	view := &StatusView{
		RunID:     run.ID,
		Status:    run.Status,
		StartedAt: run.StartedAt,
		Progress: Progress{
			TotalRecords:     run.TotalRecords,
			ProcessedRecords: run.RecordsProcessed,
		},
	}

	if run.TotalRecords > 0 {
		view.Progress.Percentage = 100 * float64(run.RecordsProcessed) / float64(run.TotalRecords)
		if run.Status == store.RunRunning && run.RecordsProcessed > 0 {
			elapsed := time.Since(run.StartedAt)
			remaining := time.Duration(float64(elapsed) *
				float64(run.TotalRecords-run.RecordsProcessed) / float64(run.RecordsProcessed))
			eta := time.Now().Add(remaining)
			view.EstimatedCompletion = &eta
		}
	} else if run.Status.Terminal() {
		view.Progress.Percentage = 100
	}

	return view, nil
}

// History returns the filtered runs with the success rate over terminal
// runs in the window. The rate covers every run the filter matches, not
// just the returned page.
func (s *Scheduler) History(ctx context.Context, filter store.HistoryFilter) (*HistoryView, error) {
	runs, total, err := s.store.ListSyncRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	terminal, completed, err := s.store.CountSyncRunOutcomes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count run outcomes: %w", err)
	}

	view := &HistoryView{
		Runs:      runs,
		TotalRuns: total,
	}
	if terminal > 0 {
		view.SuccessRate = float64(completed) / float64(terminal)
	}

	return view, nil
}
