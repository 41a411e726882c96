package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce-sync-service/internal/config"
	"commerce-sync-service/internal/database"
	"commerce-sync-service/internal/logger"
)

type MySQLStore struct {
	db *database.Database
}

func NewMySQLStore(cfg config.StateStorage) (*MySQLStore, error) {
	// Retry loop: the state DB may still be starting.
	var db *database.Database
	var err error
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewDatabase(cfg)
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql after retries: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	syncTypes, err := json.Marshal(job.SyncTypes)
	if err != nil {
		return fmt.Errorf("failed to encode sync types: %w", err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	query := `INSERT INTO sync_jobs (id, platform, store_id, credentials_ref, schedule_expression, sync_types, config, status, last_sync_time, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())`

	_, err = s.db.DB.ExecContext(ctx, query,
		job.ID,
		job.Platform,
		job.StoreID,
		job.CredentialsRef,
		job.ScheduleExpression,
		syncTypes,
		cfg,
		job.Status,
		job.LastSyncTime,
	)

	return err
}

func (s *MySQLStore) GetSyncJob(ctx context.Context, id string) (*SyncJob, error) {
	query := `SELECT id, platform, store_id, credentials_ref, schedule_expression, sync_types, config, status, last_sync_time, created_at, updated_at
			  FROM sync_jobs WHERE id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, id)
	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *MySQLStore) UpdateSyncJob(ctx context.Context, job *SyncJob) error {
	syncTypes, err := json.Marshal(job.SyncTypes)
	if err != nil {
		return fmt.Errorf("failed to encode sync types: %w", err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	query := `UPDATE sync_jobs SET schedule_expression = ?, sync_types = ?, config = ?, status = ?, last_sync_time = ?, updated_at = NOW() WHERE id = ?`

	_, err = s.db.DB.ExecContext(ctx, query,
		job.ScheduleExpression,
		syncTypes,
		cfg,
		job.Status,
		job.LastSyncTime,
		job.ID,
	)

	return err
}

func (s *MySQLStore) ListSyncJobs(ctx context.Context) ([]*SyncJob, error) {
	query := `SELECT id, platform, store_id, credentials_ref, schedule_expression, sync_types, config, status, last_sync_time, created_at, updated_at
			  FROM sync_jobs ORDER BY created_at`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncJob(row rowScanner) (*SyncJob, error) {
	var job SyncJob
	var syncTypes, cfg []byte

	err := row.Scan(
		&job.ID,
		&job.Platform,
		&job.StoreID,
		&job.CredentialsRef,
		&job.ScheduleExpression,
		&syncTypes,
		&cfg,
		&job.Status,
		&job.LastSyncTime,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(syncTypes, &job.SyncTypes); err != nil {
		return nil, fmt.Errorf("failed to decode sync types: %w", err)
	}
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}

	return &job, nil
}

func (s *MySQLStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	errs, warnings, err := encodeRunDiagnostics(run)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_runs (id, job_id, status, started_at, completed_at, total_records, records_processed, records_created, records_updated, records_skipped, new_records, updated_records, deleted_records, errors, warnings, snapshot_id, last_sync_timestamp)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.DB.ExecContext(ctx, query,
		run.ID,
		run.JobID,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.TotalRecords,
		run.RecordsProcessed,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsSkipped,
		run.NewRecords,
		run.UpdatedRecords,
		run.DeletedRecords,
		errs,
		warnings,
		run.SnapshotID,
		run.LastSyncTimestamp,
	)

	return err
}

func (s *MySQLStore) UpdateSyncRun(ctx context.Context, run *SyncRun) error {
	errs, warnings, err := encodeRunDiagnostics(run)
	if err != nil {
		return err
	}

	query := `UPDATE sync_runs SET status = ?, completed_at = ?, total_records = ?, records_processed = ?, records_created = ?, records_updated = ?, records_skipped = ?, new_records = ?, updated_records = ?, deleted_records = ?, errors = ?, warnings = ?, snapshot_id = ?, last_sync_timestamp = ? WHERE id = ?`

	_, err = s.db.DB.ExecContext(ctx, query,
		run.Status,
		run.CompletedAt,
		run.TotalRecords,
		run.RecordsProcessed,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsSkipped,
		run.NewRecords,
		run.UpdatedRecords,
		run.DeletedRecords,
		errs,
		warnings,
		run.SnapshotID,
		run.LastSyncTimestamp,
		run.ID,
	)

	return err
}

func encodeRunDiagnostics(run *SyncRun) ([]byte, []byte, error) {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode run errors: %w", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode run warnings: %w", err)
	}
	return errs, warnings, nil
}

func (s *MySQLStore) GetSyncRun(ctx context.Context, id string) (*SyncRun, error) {
	query := `SELECT id, job_id, status, started_at, completed_at, total_records, records_processed, records_created, records_updated, records_skipped, new_records, updated_records, deleted_records, errors, warnings, snapshot_id, last_sync_timestamp
			  FROM sync_runs WHERE id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, id)
	run, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// runHistoryWhere builds the WHERE clause shared by the history list and
// the outcome counts, so both always cover the same window.
func runHistoryWhere(filter HistoryFilter) (string, []any) {
	where := `WHERE 1=1`
	args := []any{}

	if filter.StoreID != "" {
		where += ` AND job_id IN (SELECT id FROM sync_jobs WHERE store_id = ?)`
		args = append(args, filter.StoreID)
	}
	if filter.JobID != "" {
		where += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if !filter.From.IsZero() {
		where += ` AND started_at >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		where += ` AND started_at <= ?`
		args = append(args, filter.To)
	}

	return where, args
}

func (s *MySQLStore) ListSyncRuns(ctx context.Context, filter HistoryFilter) ([]*SyncRun, int64, error) {
	where, args := runHistoryWhere(filter)

	var total int64
	countQuery := `SELECT COUNT(*) FROM sync_runs ` + where
	if err := s.db.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, job_id, status, started_at, completed_at, total_records, records_processed, records_created, records_updated, records_skipped, new_records, updated_records, deleted_records, errors, warnings, snapshot_id, last_sync_timestamp
			  FROM sync_runs ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}

	return runs, total, rows.Err()
}

// CountSyncRunOutcomes counts terminal and completed runs over the whole
// filtered window, unpaginated.
func (s *MySQLStore) CountSyncRunOutcomes(ctx context.Context, filter HistoryFilter) (int64, int64, error) {
	where, args := runHistoryWhere(filter)

	query := `SELECT
				  COUNT(CASE WHEN status IN ('completed', 'failed', 'cancelled', 'rolled_back') THEN 1 END),
				  COUNT(CASE WHEN status = 'completed' THEN 1 END)
			  FROM sync_runs ` + where

	var terminal, completed int64
	if err := s.db.DB.QueryRowContext(ctx, query, args...).Scan(&terminal, &completed); err != nil {
		return 0, 0, err
	}

	return terminal, completed, nil
}

func scanSyncRun(row rowScanner) (*SyncRun, error) {
	var run SyncRun
	var errs, warnings []byte

	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.TotalRecords,
		&run.RecordsProcessed,
		&run.RecordsCreated,
		&run.RecordsUpdated,
		&run.RecordsSkipped,
		&run.NewRecords,
		&run.UpdatedRecords,
		&run.DeletedRecords,
		&errs,
		&warnings,
		&run.SnapshotID,
		&run.LastSyncTimestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}
	if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode run warnings: %w", err)
	}

	return &run, nil
}

func (s *MySQLStore) GetCanonicalRecord(ctx context.Context, storeID, recordType, id string) (*CanonicalRecord, error) {
	query := `SELECT id, store_id, type, fields, raw_data, version, updated_at
			  FROM canonical_records WHERE store_id = ? AND type = ? AND id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, storeID, recordType, id)
	record, err := scanCanonicalRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *MySQLStore) ListCanonicalRecords(ctx context.Context, storeID, recordType string) ([]*CanonicalRecord, error) {
	query := `SELECT id, store_id, type, fields, raw_data, version, updated_at
			  FROM canonical_records WHERE store_id = ? AND type = ?`

	rows, err := s.db.DB.QueryContext(ctx, query, storeID, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CanonicalRecord
	for rows.Next() {
		record, err := scanCanonicalRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanCanonicalRecord(row rowScanner) (*CanonicalRecord, error) {
	var record CanonicalRecord
	var fields, rawData []byte

	err := row.Scan(
		&record.ID,
		&record.StoreID,
		&record.Type,
		&fields,
		&rawData,
		&record.Version,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fields, &record.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	if err := json.Unmarshal(rawData, &record.RawData); err != nil {
		return nil, fmt.Errorf("failed to decode record raw data: %w", err)
	}

	return &record, nil
}

func (s *MySQLStore) UpsertCanonicalRecord(ctx context.Context, record *CanonicalRecord) error {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	rawData, err := json.Marshal(record.RawData)
	if err != nil {
		return fmt.Errorf("failed to encode record raw data: %w", err)
	}

	query := `INSERT INTO canonical_records (id, store_id, type, fields, raw_data, version, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  fields = VALUES(fields),
			  raw_data = VALUES(raw_data),
			  version = VALUES(version),
			  updated_at = VALUES(updated_at)`

	_, err = s.db.DB.ExecContext(ctx, query,
		record.ID,
		record.StoreID,
		record.Type,
		fields,
		rawData,
		record.Version,
		record.UpdatedAt,
	)

	return err
}

func (s *MySQLStore) DeleteCanonicalRecord(ctx context.Context, storeID, recordType, id string) error {
	query := `DELETE FROM canonical_records WHERE store_id = ? AND type = ? AND id = ?`

	_, err := s.db.DB.ExecContext(ctx, query, storeID, recordType, id)
	return err
}

func (s *MySQLStore) CreateSnapshot(ctx context.Context, snapshot *Snapshot) error {
	records, err := json.Marshal(snapshot.Records)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot records: %w", err)
	}
	created, err := json.Marshal(snapshot.Created)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot created refs: %w", err)
	}

	query := `INSERT INTO snapshots (id, run_id, captured_at, records, created_records)
			  VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.DB.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.RunID,
		snapshot.CapturedAt,
		records,
		created,
	)

	return err
}

func (s *MySQLStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	query := `SELECT id, run_id, captured_at, records, created_records FROM snapshots WHERE id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, id)

	var snapshot Snapshot
	var records, created []byte
	err := row.Scan(
		&snapshot.ID,
		&snapshot.RunID,
		&snapshot.CapturedAt,
		&records,
		&created,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(records, &snapshot.Records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot records: %w", err)
	}
	if err := json.Unmarshal(created, &snapshot.Created); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot created refs: %w", err)
	}

	return &snapshot, nil
}

// AddSnapshotCreated appends refs inside a transaction; the row lock keeps
// concurrent batch flushes from losing each other's refs.
func (s *MySQLStore) AddSnapshotCreated(ctx context.Context, snapshotID string, refs []RecordRef) error {
	if len(refs) == 0 {
		return nil
	}

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var created []byte
		query := `SELECT created_records FROM snapshots WHERE id = ? FOR UPDATE`
		err := tx.QueryRowContext(ctx, query, snapshotID).Scan(&created)
		if err == sql.ErrNoRows {
			return fmt.Errorf("snapshot %s not found", snapshotID)
		}
		if err != nil {
			return err
		}

		var existing []RecordRef
		if err := json.Unmarshal(created, &existing); err != nil {
			return fmt.Errorf("failed to decode snapshot created refs: %w", err)
		}

		existing = append(existing, refs...)
		updated, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot created refs: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE snapshots SET created_records = ? WHERE id = ?`, updated, snapshotID)
		return err
	})
}

// RestoreSnapshot writes captured records back and deletes created records
// in one transaction, so a failed restore never leaves the canonical store
// half-reverted.
func (s *MySQLStore) RestoreSnapshot(ctx context.Context, snapshot *Snapshot) (int64, error) {
	var reverted int64

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		upsert := `INSERT INTO canonical_records (id, store_id, type, fields, raw_data, version, updated_at)
				   VALUES (?, ?, ?, ?, ?, ?, ?)
				   ON DUPLICATE KEY UPDATE
				   fields = VALUES(fields),
				   raw_data = VALUES(raw_data),
				   version = VALUES(version),
				   updated_at = VALUES(updated_at)`

		for i := range snapshot.Records {
			record := &snapshot.Records[i]
			fields, err := json.Marshal(record.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode record fields: %w", err)
			}
			rawData, err := json.Marshal(record.RawData)
			if err != nil {
				return fmt.Errorf("failed to encode record raw data: %w", err)
			}
			if _, err := tx.ExecContext(ctx, upsert,
				record.ID,
				record.StoreID,
				record.Type,
				fields,
				rawData,
				record.Version,
				record.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to restore record %s: %w", record.ID, err)
			}
			reverted++
		}

		del := `DELETE FROM canonical_records WHERE store_id = ? AND type = ? AND id = ?`
		for _, ref := range snapshot.Created {
			if _, err := tx.ExecContext(ctx, del, ref.StoreID, ref.Type, ref.ID); err != nil {
				return fmt.Errorf("failed to remove created record %s: %w", ref.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return reverted, nil
}
