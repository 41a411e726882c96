package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-sync-service/internal/config"
	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/store"
)

func newTestEngine(st store.Store, fake *fakeConnector) *Engine {
	registry := connector.NewRegistry(time.Second)
	registry.Register(fake)
	engine := NewEngine(st, registry, config.SyncConfig{BatchSize: 100, RetryAttempts: 3, Parallelism: 2})
	engine.retry.BaseDelay = time.Millisecond
	engine.retry.Jitter = 0
	return engine
}

func newTestJob(t *testing.T, st *memStore, cfg store.JobConfig, syncTypes ...string) (*store.SyncJob, *store.SyncRun) {
	t.Helper()
	now := time.Now().UTC()
	job := &store.SyncJob{
		ID:        uuid.New().String(),
		Platform:  store.PlatformCustom,
		StoreID:   "s1",
		SyncTypes: syncTypes,
		Config:    cfg,
		Status:    store.JobActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateSyncJob(context.Background(), job))

	run := &store.SyncRun{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    store.RunPending,
		StartedAt: now,
	}
	require.NoError(t, st.CreateSyncRun(context.Background(), run))

	return job, run
}

func productFields(i int) map[string]any {
	return map[string]any{
		"id":    fmt.Sprintf("p%03d", i),
		"title": fmt.Sprintf("Product %d", i),
		"price": float64(i%50) + 0.99,
	}
}

func productPage(start, n int, next string) *connector.Page {
	page := &connector.Page{NextCursor: next}
	fetchedAt := time.Now().UTC()
	for i := start; i < start+n; i++ {
		page.Records = append(page.Records, connector.RawRecord{
			Platform:  store.PlatformCustom,
			Fields:    productFields(i),
			FetchedAt: fetchedAt,
		})
	}
	return page
}

func assertProcessedInvariant(t *testing.T, result *RunResult) {
	t.Helper()
	assert.Equal(t, result.RecordsProcessed,
		result.RecordsCreated+result.RecordsUpdated+result.RecordsSkipped,
		"processed must equal created + updated + skipped")
}

func TestExecuteFullSync(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(_ int, _ string, window connector.Window) (*connector.Page, error) {
			switch window.Cursor {
			case "":
				return productPage(0, 100, "c100"), nil
			case "c100":
				return productPage(100, 100, "c200"), nil
			case "c200":
				return productPage(200, 50, ""), nil
			}
			return nil, fmt.Errorf("unexpected cursor %q", window.Cursor)
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{BatchSize: 100}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(250), result.RecordsProcessed)
	assert.Equal(t, int64(250), result.RecordsCreated)
	assert.Equal(t, int64(250), result.NewRecords)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, fake.callCount())
	assertProcessedInvariant(t, result)

	records, err := st.ListCanonicalRecords(context.Background(), "s1", "products")
	require.NoError(t, err)
	assert.Len(t, records, 250)
	for _, record := range records {
		assert.Equal(t, int64(1), record.Version)
	}

	// Full syncs always capture a pre-run snapshot before the first write.
	stored, err := st.GetSyncRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, stored.SnapshotID.Valid)
}

func TestExecuteIncrementalSync(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	// Five records already synced with stale content.
	for i := 0; i < 5; i++ {
		record := canonical(fmt.Sprintf("p%03d", i), "products",
			map[string]any{"id": fmt.Sprintf("p%03d", i), "title": "stale", "price": 0.01},
			time.Now().UTC().Add(-time.Hour), 1)
		require.NoError(t, st.UpsertCanonicalRecord(ctx, &record))
	}

	watermark := time.Now().UTC().Add(-30 * time.Minute)
	var since time.Time
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(_ int, _ string, window connector.Window) (*connector.Page, error) {
			since = window.Since
			return productPage(0, 25, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{Incremental: true}, "products")
	job.LastSyncTime = sql.NullTime{Time: watermark, Valid: true}
	require.NoError(t, st.UpdateSyncJob(ctx, job))

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, watermark, since, "fetch window starts at the watermark")
	assert.Equal(t, int64(20), result.NewRecords)
	assert.Equal(t, int64(5), result.UpdatedRecords)
	assert.Equal(t, int64(0), result.DeletedRecords)
	assert.Equal(t, int64(25), result.RecordsProcessed)
	assertProcessedInvariant(t, result)

	// Updated records get a bumped version.
	updated, err := st.GetCanonicalRecord(ctx, "s1", "products", "p000")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// The watermark advanced to the run's start time.
	stored, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, stored.LastSyncTime.Valid)
	assert.True(t, stored.LastSyncTime.Time.After(watermark))
}

func TestExecuteWatermarkFrozenOnFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	watermark := time.Now().UTC().Add(-time.Hour)

	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			return nil, &connector.Error{Kind: connector.KindAuthentication, Platform: store.PlatformCustom, Message: "token revoked"}
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{Incremental: true}, "products")
	job.LastSyncTime = sql.NullTime{Time: watermark, Valid: true}
	require.NoError(t, st.UpdateSyncJob(ctx, job))

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "authentication_error", result.Errors[len(result.Errors)-1].Code)
	assert.Equal(t, 1, fake.callCount(), "authentication failures are not retried")

	stored, err := st.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, watermark, stored.LastSyncTime.Time, "failed runs never advance the watermark")
}

func TestExecuteRetriesRateLimit(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(call int, _ string, _ connector.Window) (*connector.Page, error) {
			if call == 0 {
				return nil, &connector.Error{Kind: connector.KindRateLimit, Platform: store.PlatformCustom, Message: "slow down", Hint: 5 * time.Millisecond}
			}
			return productPage(0, 3, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Empty(t, result.Errors, "a recovered rate limit leaves no trace on the run")
	assert.Equal(t, int64(3), result.RecordsCreated)
	assert.Equal(t, 2, fake.callCount())
}

func TestExecuteBatchStrategy(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(_ int, _ string, window connector.Window) (*connector.Page, error) {
			offset, err := strconv.Atoi(window.Cursor)
			if err != nil {
				return nil, fmt.Errorf("batch cursor must be an offset, got %q", window.Cursor)
			}
			return productPage(offset, window.Limit, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{BatchSize: 100, Parallelism: 2, TotalRecords: 250}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(250), result.RecordsProcessed)
	assert.Equal(t, int64(250), result.RecordsCreated)
	assert.Equal(t, 3, fake.callCount(), "250 records at batch size 100 is three windows")
	assertProcessedInvariant(t, result)

	records, err := st.ListCanonicalRecords(context.Background(), "s1", "products")
	require.NoError(t, err)
	assert.Len(t, records, 250)
}

func TestExecuteAdaptiveBatching(t *testing.T) {
	st := newMemStore()
	var limits []int
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(call int, _ string, window connector.Window) (*connector.Page, error) {
			limits = append(limits, window.Limit)
			switch call {
			case 0:
				return productPage(0, 8, "c1"), nil
			case 1:
				return productPage(8, 8, "c2"), nil
			default:
				return productPage(16, window.Limit, ""), nil
			}
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{
		BatchSize:        8,
		AdaptiveBatching: true,
		MemoryLimit:      10,
	}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	require.GreaterOrEqual(t, len(limits), 3)
	assert.Equal(t, 8, limits[0])
	assert.Equal(t, 8, limits[1], "limit halves only after the memory limit is crossed")
	assert.Equal(t, 4, limits[2])

	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "batch size reduced to 4")
	assertProcessedInvariant(t, result)
}

func TestExecuteCancellationBetweenBatches(t *testing.T) {
	st := newMemStore()
	cancel := &CancelFlag{}
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			// Cancellation lands while the first batch is in flight.
			cancel.Cancel()
			return productPage(0, 10, "more"), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, cancel)

	assert.Equal(t, store.RunCancelled, result.Status)
	assert.Equal(t, 1, fake.callCount(), "no further batches start after cancellation")
	assert.Equal(t, int64(10), result.RecordsCreated, "completed batches are retained")

	records, err := st.ListCanonicalRecords(context.Background(), "s1", "products")
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestExecuteCancelAfterFinalBatchCompletes(t *testing.T) {
	st := newMemStore()
	cancel := &CancelFlag{}
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			// The flag lands during the last batch: nothing is left to skip.
			cancel.Cancel()
			return productPage(0, 10, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, cancel)

	assert.Equal(t, store.RunCompleted, result.Status,
		"a run that processed every record is completed, not cancelled")
	assert.Equal(t, int64(10), result.RecordsCreated)
	assertProcessedInvariant(t, result)
}

func TestExecuteQuarantinesInvalidRecords(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			page := productPage(0, 2, "")
			page.Records = append(page.Records, connector.RawRecord{
				Platform:  store.PlatformCustom,
				Fields:    map[string]any{"title": "no id"},
				FetchedAt: time.Now().UTC(),
			})
			return page, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status, "a bad record never fails the batch")
	assert.Equal(t, int64(2), result.RecordsCreated)
	assert.Equal(t, int64(1), result.RecordsSkipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "validation_error", result.Errors[0].Code)
	assertProcessedInvariant(t, result)
}

func TestExecuteTombstoneDeletes(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	existing := canonical("p001", "products", map[string]any{"id": "p001", "title": "Widget"}, time.Now().UTC(), 1)
	require.NoError(t, st.UpsertCanonicalRecord(ctx, &existing))

	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			fetchedAt := time.Now().UTC()
			return &connector.Page{Records: []connector.RawRecord{
				{Platform: store.PlatformCustom, Fields: map[string]any{"id": "p001", "deleted": true}, FetchedAt: fetchedAt},
				{Platform: store.PlatformCustom, Fields: map[string]any{"id": "p404", "deleted": true}, FetchedAt: fetchedAt},
				{Platform: store.PlatformCustom, Fields: productFields(2), FetchedAt: fetchedAt},
			}}, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.DeletedRecords)
	assert.Equal(t, int64(1), result.RecordsCreated)
	assert.Equal(t, int64(1), result.RecordsSkipped, "tombstones for unknown records are skipped")
	assertProcessedInvariant(t, result)

	gone, err := st.GetCanonicalRecord(ctx, "s1", "products", "p001")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestExecuteSkipsUnchangedRecords(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	raw := productFields(1)
	transformed := Transform([]connector.RawRecord{{Fields: raw, FetchedAt: time.Now().UTC()}}, TransformConfig{
		StoreID:  "s1",
		Type:     "products",
		Mappings: DefaultPipelines()["products"].Mappings,
	})
	existing := transformed[0]
	existing.Version = 1
	require.NoError(t, st.UpsertCanonicalRecord(ctx, &existing))

	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			return &connector.Page{Records: []connector.RawRecord{
				{Platform: store.PlatformCustom, Fields: raw, FetchedAt: time.Now().UTC()},
			}}, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "products")

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsSkipped)
	assert.Equal(t, int64(0), result.RecordsCreated)
	assert.Equal(t, int64(0), result.RecordsUpdated)

	unchanged, err := st.GetCanonicalRecord(ctx, "s1", "products", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unchanged.Version, "unchanged content is never rewritten")
}

func TestExecuteMissingDependencyFlagged(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			return &connector.Page{Records: []connector.RawRecord{
				{Platform: store.PlatformCustom, Fields: map[string]any{
					"id": "o1", "total_price": 10.0, "customer_id": "c404",
				}, FetchedAt: time.Now().UTC()},
			}}, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "orders")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsSkipped)
	assert.Equal(t, int64(0), result.RecordsCreated)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "retry_next_run")
	assertProcessedInvariant(t, result)
}

func TestExecuteMergesDuplicatesInBatch(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			fetchedAt := time.Now().UTC()
			return &connector.Page{Records: []connector.RawRecord{
				{Platform: store.PlatformCustom, Fields: map[string]any{
					"id": "o1", "total_price": 10.0, "currency": "USD", "updated_at": "2026-01-01T00:00:00Z",
				}, FetchedAt: fetchedAt},
				{Platform: store.PlatformCustom, Fields: map[string]any{
					"id": "o1", "total_price": 12.0, "updated_at": "2026-02-01T00:00:00Z",
				}, FetchedAt: fetchedAt},
			}}, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{}, "orders")

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.RecordsCreated, "duplicates coalesce into one write")

	merged, err := st.GetCanonicalRecord(ctx, "s1", "orders", "o1")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, 12.0, merged.Fields["total_price"], "the newer value wins")
	assert.Equal(t, "USD", merged.Fields["currency"], "fields only the older duplicate carries survive the merge")
}

func TestExecuteUnrecognizedPolicyIsConfigurationError(t *testing.T) {
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			return &connector.Page{}, nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{
		Resolution: store.ResolutionPolicy{FieldMismatches: "coin_flip"},
	}, "products")

	result := engine.Execute(context.Background(), job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "configuration_error", result.Errors[0].Code)
	assert.Equal(t, 0, fake.callCount(), "nothing is fetched under a misconfigured policy")
}

func TestExecuteRollbackEnabledSnapshotsIncremental(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(int, string, connector.Window) (*connector.Page, error) {
			return productPage(0, 2, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{Incremental: true, RollbackEnabled: true}, "products")

	engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	stored, err := st.GetSyncRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, stored.SnapshotID.Valid)

	snapshot, err := st.GetSnapshot(ctx, stored.SnapshotID.String)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Created, 2, "created records are tracked for restore")
}

func TestExecuteParallelBatchesShareOneSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	// Both windows of the single wave block until each has fetched, so the
	// two batch workers reach the snapshot capture at the same time.
	var barrier gosync.WaitGroup
	barrier.Add(2)
	fake := &fakeConnector{
		platform: store.PlatformCustom,
		script: func(_ int, _ string, window connector.Window) (*connector.Page, error) {
			barrier.Done()
			barrier.Wait()
			offset, err := strconv.Atoi(window.Cursor)
			if err != nil {
				return nil, fmt.Errorf("unexpected cursor %q", window.Cursor)
			}
			return productPage(offset, 1, ""), nil
		},
	}
	engine := newTestEngine(st, fake)
	job, run := newTestJob(t, st, store.JobConfig{
		TotalRecords:    2,
		BatchSize:       1,
		Parallelism:     2,
		RollbackEnabled: true,
	}, "products")

	result := engine.Execute(ctx, job, run, connector.Credentials{}, &CancelFlag{})

	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, int64(2), result.RecordsCreated)

	st.mu.Lock()
	assert.Len(t, st.snapshots, 1, "concurrent batches must agree on a single snapshot")
	st.mu.Unlock()

	stored, err := st.GetSyncRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, stored.SnapshotID.Valid)

	snapshot, err := st.GetSnapshot(ctx, stored.SnapshotID.String)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Created, 2, "every created ref lands on the run's snapshot")
}

func TestPickStrategy(t *testing.T) {
	assert.Equal(t, strategyIncremental, pickStrategy(&store.SyncJob{Config: store.JobConfig{Incremental: true, TotalRecords: 10}}))
	assert.Equal(t, strategyBatch, pickStrategy(&store.SyncJob{Config: store.JobConfig{TotalRecords: 10}}))
	assert.Equal(t, strategyFull, pickStrategy(&store.SyncJob{}))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "authentication_error", errorCode(&connector.Error{Kind: connector.KindAuthentication}))
	assert.Equal(t, "rate_limit_error", errorCode(&connector.Error{Kind: connector.KindRateLimit}))
	assert.Equal(t, "timeout_error", errorCode(&connector.Error{Kind: connector.KindTimeout}))
	assert.Equal(t, "configuration_error", errorCode(fmt.Errorf("%w: duplicates %q", ErrUnknownPolicy, "x")))
	assert.Equal(t, "sync_error", errorCode(fmt.Errorf("field unrecognized by the schema")),
		"only the typed policy error classifies as configuration")
	assert.Equal(t, "sync_error", errorCode(fmt.Errorf("boom")))
}
