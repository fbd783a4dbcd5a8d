// Package sqlite is the durable Repository, backed by modernc.org/sqlite.
//
// Timestamps are stored as Unix nanoseconds in UTC. Raw request and response
// snapshots are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/internal/store/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements govsync.Repository on SQLite.
type Store struct {
	db *sql.DB
}

var _ govsync.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already migrated database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations, each in its own transaction.
func (s *Store) migrate(ctx context.Context, fsys fs.FS) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}
	return nil
}

// CreateJob implements govsync.Repository.
func (s *Store) CreateJob(ctx context.Context, job *govsync.Job) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO gov_sync_jobs
			(tenant_id, period_id, window_start, window_end, status, scheduled_at, started_at, completed_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		int64(job.TenantID), job.PeriodID, job.WindowStart, job.WindowEnd, string(job.Status),
		toNanos(job.ScheduledAt), nullNanos(job.StartedAt), nullNanos(job.CompletedAt), toNanos(job.UpdatedAt),
	)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	job.ID = id
	job.Version = 1
	return nil
}

// GetJob implements govsync.Repository.
func (s *Store) GetJob(ctx context.Context, tenant govsync.TenantID, id int64) (*govsync.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, period_id, window_start, window_end, status,
		       scheduled_at, started_at, completed_at, version, updated_at
		FROM gov_sync_jobs
		WHERE id = ? AND tenant_id = ?`,
		id, int64(tenant),
	)

	var (
		job                    govsync.Job
		tenantID               int64
		status                 string
		scheduledAt, updatedAt int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &tenantID, &job.PeriodID, &job.WindowStart, &job.WindowEnd, &status,
		&scheduledAt, &startedAt, &completedAt, &job.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, govsync.JobNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}

	job.TenantID = govsync.TenantID(tenantID)
	job.Status = govsync.JobStatus(status)
	job.ScheduledAt = fromNanos(scheduledAt)
	job.UpdatedAt = fromNanos(updatedAt)
	job.StartedAt = fromNullNanos(startedAt)
	job.CompletedAt = fromNullNanos(completedAt)
	return &job, nil
}

// UpdateJob implements govsync.Repository.
func (s *Store) UpdateJob(ctx context.Context, job *govsync.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gov_sync_jobs
		SET status = ?, started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		string(job.Status), nullNanos(job.StartedAt), nullNanos(job.CompletedAt), toNanos(job.UpdatedAt),
		job.ID, int64(job.TenantID), job.Version,
	)
	if err != nil {
		return apperrors.Internal("store.updateJob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("store.updateJob", err)
	}
	if n == 1 {
		job.Version++
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM gov_sync_jobs WHERE id = ? AND tenant_id = ?",
		job.ID, int64(job.TenantID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return govsync.JobNotFound(job.ID)
	}
	if err != nil {
		return apperrors.Internal("store.updateJob", err)
	}
	return govsync.StaleJob(job.ID)
}

// InsertResult implements govsync.Repository.
func (s *Store) InsertResult(ctx context.Context, r *govsync.Result) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO gov_sync_results
			(job_id, tenant_id, student_id, period_id, status, attempt_number, external_record_id,
			 idempotency_key, error_code, error_message, raw_request, raw_response,
			 synced_at, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, int64(r.TenantID), r.StudentID, r.PeriodID, string(r.Status), r.AttemptNumber,
		nullString(r.ExternalRecordID), r.IdempotencyKey, nullString(r.ErrorCode), nullString(r.ErrorMessage),
		nullJSON(r.RawRequest), nullJSON(r.RawResponse),
		nullNanos(r.SyncedAt), nullNanos(r.NextRetryAt), toNanos(r.CreatedAt),
	)
	if err != nil {
		switch constraintOf(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return govsync.DuplicateResult(r.TenantID, r.IdempotencyKey, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return govsync.JobNotFound(r.JobID)
		}
		return apperrors.Internal("store.insertResult", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperrors.Internal("store.insertResult", err)
	}
	r.ID = id
	return nil
}

// CountAttempts implements govsync.Repository.
func (s *Store) CountAttempts(ctx context.Context, tenant govsync.TenantID, jobID int64, studentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM gov_sync_results
		WHERE job_id = ? AND tenant_id = ? AND student_id = ?`,
		jobID, int64(tenant), studentID,
	).Scan(&n)
	if err != nil {
		return 0, apperrors.Internal("store.countAttempts", err)
	}
	return n, nil
}

// CountResultsByStatus implements govsync.Repository.
func (s *Store) CountResultsByStatus(ctx context.Context, tenant govsync.TenantID, jobID int64) (map[govsync.ResultStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM gov_sync_results
		WHERE job_id = ? AND tenant_id = ?
		GROUP BY status`,
		jobID, int64(tenant),
	)
	if err != nil {
		return nil, apperrors.Internal("store.countResults", err)
	}
	defer rows.Close()

	counts := make(map[govsync.ResultStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Internal("store.countResults", err)
		}
		counts[govsync.ResultStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.countResults", err)
	}
	return counts, nil
}

// ListResults implements govsync.Repository.
func (s *Store) ListResults(ctx context.Context, tenant govsync.TenantID, jobID int64) ([]govsync.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, tenant_id, student_id, period_id, status, attempt_number, external_record_id,
		       idempotency_key, error_code, error_message, raw_request, raw_response,
		       synced_at, next_retry_at, created_at
		FROM gov_sync_results
		WHERE job_id = ? AND tenant_id = ?
		ORDER BY id`,
		jobID, int64(tenant),
	)
	if err != nil {
		return nil, apperrors.Internal("store.listResults", err)
	}
	defer rows.Close()

	var out []govsync.Result
	for rows.Next() {
		var (
			r                                     govsync.Result
			tenantID, createdAt                   int64
			status                                string
			externalRecordID, errorCode, errorMsg sql.NullString
			rawRequest, rawResponse               sql.NullString
			syncedAt, nextRetryAt                 sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &tenantID, &r.StudentID, &r.PeriodID, &status, &r.AttemptNumber,
			&externalRecordID, &r.IdempotencyKey, &errorCode, &errorMsg, &rawRequest, &rawResponse,
			&syncedAt, &nextRetryAt, &createdAt); err != nil {
			return nil, apperrors.Internal("store.listResults", err)
		}
		r.TenantID = govsync.TenantID(tenantID)
		r.Status = govsync.ResultStatus(status)
		r.ExternalRecordID = fromNullString(externalRecordID)
		r.ErrorCode = fromNullString(errorCode)
		r.ErrorMessage = fromNullString(errorMsg)
		if rawRequest.Valid {
			r.RawRequest = json.RawMessage(rawRequest.String)
		}
		if rawResponse.Valid {
			r.RawResponse = json.RawMessage(rawResponse.String)
		}
		r.SyncedAt = fromNullNanos(syncedAt)
		r.NextRetryAt = fromNullNanos(nextRetryAt)
		r.CreatedAt = fromNanos(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listResults", err)
	}
	return out, nil
}

// Ping implements govsync.Repository.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// constraintOf returns the extended SQLite result code of a constraint
// violation, or 0.
func constraintOf(err error) int {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	// Drivers other than modernc (sqlmock in tests) only carry the message
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return sqlite3.SQLITE_CONSTRAINT_UNIQUE
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return 0
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
