package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/internal/store/sqlite/migrations"
)

var baseTime = time.Date(2025, 4, 2, 9, 30, 0, 123456789, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(tenant govsync.TenantID) *govsync.Job {
	return &govsync.Job{
		TenantID:    tenant,
		PeriodID:    "2025-Q1",
		WindowStart: "2025-01-01",
		WindowEnd:   "2025-03-31",
		Status:      govsync.JobQueued,
		ScheduledAt: baseTime,
		UpdatedAt:   baseTime,
	}
}

func newResult(job *govsync.Job, key string, status govsync.ResultStatus) *govsync.Result {
	return &govsync.Result{
		JobID:          job.ID,
		TenantID:       job.TenantID,
		StudentID:      "00000000-0000-0000-0000-000000000001",
		PeriodID:       job.PeriodID,
		Status:         status,
		AttemptNumber:  1,
		IdempotencyKey: key,
		CreatedAt:      baseTime,
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.migrate(ctx, migrations.FS))

	var versions int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))
	assert.Positive(t, job.ID)
	assert.Equal(t, int64(1), job.Version)

	got, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, govsync.TenantID(1), got.TenantID)
	assert.Equal(t, "2025-Q1", got.PeriodID)
	assert.Equal(t, "2025-01-01", got.WindowStart)
	assert.Equal(t, "2025-03-31", got.WindowEnd)
	assert.Equal(t, govsync.JobQueued, got.Status)
	assert.True(t, baseTime.Equal(got.ScheduledAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestGetJob_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.GetJob(ctx, 2, job.ID)
	require.ErrorIs(t, err, govsync.ErrJobNotFound)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.GetJob(ctx, 1, job.ID+100)
	assert.ErrorIs(t, err, govsync.ErrJobNotFound)
}

func TestUpdateJob_OptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))

	first, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	second, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)

	started := baseTime.Add(time.Minute)
	first.Status = govsync.JobRunning
	first.StartedAt = &started
	first.UpdatedAt = started
	require.NoError(t, s.UpdateJob(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = govsync.JobRunning
	err = s.UpdateJob(ctx, second)
	require.ErrorIs(t, err, govsync.ErrStaleJob)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, govsync.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	other := *got
	other.TenantID = 2
	assert.ErrorIs(t, s.UpdateJob(ctx, &other), govsync.ErrJobNotFound)
}

func TestInsertResult_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))

	key := govsync.IdempotencyKey(job.ID, "s-1", 1)
	require.NoError(t, s.InsertResult(ctx, newResult(job, key, govsync.ResultAccepted)))

	err := s.InsertResult(ctx, newResult(job, key, govsync.ResultWaitingExternal))
	require.ErrorIs(t, err, govsync.ErrDuplicateResult)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// Same key under another tenant is a different row
	other := newJob(2)
	require.NoError(t, s.CreateJob(ctx, other))
	require.NoError(t, s.InsertResult(ctx, newResult(other, key, govsync.ResultAccepted)))

	counts, err := s.CountResultsByStatus(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[govsync.ResultStatus]int{govsync.ResultAccepted: 1}, counts)
}

func TestInsertResult_UnknownJob(t *testing.T) {
	s := newTestStore(t)

	job := newJob(1)
	job.ID = 42
	err := s.InsertResult(context.Background(), newResult(job, "k", govsync.ResultAccepted))
	assert.ErrorIs(t, err, govsync.ErrJobNotFound)
}

func TestResults_RoundTripAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(7)
	require.NoError(t, s.CreateJob(ctx, job))

	retryAt := baseTime.Add(5 * time.Second)
	code, msg := "TIMEOUT", "gov API did not respond within 2s"
	waiting := newResult(job, govsync.IdempotencyKey(job.ID, "s-1", 1), govsync.ResultWaitingExternal)
	waiting.ErrorCode = &code
	waiting.ErrorMessage = &msg
	waiting.NextRetryAt = &retryAt
	waiting.RawRequest = json.RawMessage(`{"tenantId":"Tenant7"}`)
	require.NoError(t, s.InsertResult(ctx, waiting))

	synced := baseTime.Add(time.Minute)
	recID := "rec-1"
	accepted := newResult(job, govsync.IdempotencyKey(job.ID, "s-1", 2), govsync.ResultAccepted)
	accepted.AttemptNumber = 2
	accepted.ExternalRecordID = &recID
	accepted.SyncedAt = &synced
	accepted.RawResponse = json.RawMessage(`{"batchId":"b-1"}`)
	require.NoError(t, s.InsertResult(ctx, accepted))

	n, err := s.CountAttempts(ctx, 7, job.ID, accepted.StudentID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountAttempts(ctx, 8, job.ID, accepted.StudentID)
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := s.CountResultsByStatus(ctx, 7, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[govsync.ResultStatus]int{
		govsync.ResultWaitingExternal: 1,
		govsync.ResultAccepted:        1,
	}, counts)

	results, err := s.ListResults(ctx, 7, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, govsync.ResultWaitingExternal, results[0].Status)
	assert.Equal(t, &code, results[0].ErrorCode)
	assert.Equal(t, &msg, results[0].ErrorMessage)
	require.NotNil(t, results[0].NextRetryAt)
	assert.True(t, retryAt.Equal(*results[0].NextRetryAt))
	assert.Nil(t, results[0].SyncedAt)
	assert.JSONEq(t, `{"tenantId":"Tenant7"}`, string(results[0].RawRequest))
	assert.Nil(t, results[0].RawResponse)

	assert.Equal(t, govsync.ResultAccepted, results[1].Status)
	assert.Equal(t, 2, results[1].AttemptNumber)
	assert.Equal(t, &recID, results[1].ExternalRecordID)
	require.NotNil(t, results[1].SyncedAt)
	assert.True(t, synced.Equal(*results[1].SyncedAt))
}

func TestResults_ImmutableOnceSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))

	synced := baseTime
	res := newResult(job, "k-1", govsync.ResultAccepted)
	res.SyncedAt = &synced
	require.NoError(t, s.InsertResult(ctx, res))

	_, err := s.db.ExecContext(ctx, "UPDATE gov_sync_results SET status = 'DEAD' WHERE id = ?", res.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestDeleteJob_CascadesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(1)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.InsertResult(ctx, newResult(job, "k-1", govsync.ResultWaitingExternal)))

	_, err := s.db.ExecContext(ctx, "DELETE FROM gov_sync_jobs WHERE id = ?", job.ID)
	require.NoError(t, err)

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gov_sync_results").Scan(&n))
	assert.Zero(t, n)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSqlmock_GetJobQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT (.+) FROM gov_sync_jobs").
		WithArgs(int64(5), int64(1)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = s.GetJob(context.Background(), 1, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInternal)
	assert.NotErrorIs(t, err, govsync.ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlmock_InsertResultUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectExec("INSERT INTO gov_sync_results").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: gov_sync_results.tenant_id, gov_sync_results.idempotency_key (2067)"))

	job := newJob(1)
	job.ID = 3
	err = s.InsertResult(context.Background(), newResult(job, "k", govsync.ResultAccepted))
	assert.ErrorIs(t, err, govsync.ErrDuplicateResult)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlmock_UpdateJobStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectExec("UPDATE gov_sync_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM gov_sync_jobs").
		WithArgs(int64(3), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	job := newJob(1)
	job.ID = 3
	job.Version = 4
	err = s.UpdateJob(context.Background(), job)
	assert.ErrorIs(t, err, govsync.ErrStaleJob)
	assert.Equal(t, int64(4), job.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlmock_CountResultsRowError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("ACCEPTED", 1).
		RowError(0, errors.New("interrupted"))
	mock.ExpectQuery("SELECT status, COUNT").WillReturnRows(rows)

	_, err = s.CountResultsByStatus(context.Background(), 1, 1)
	assert.ErrorIs(t, err, apperrors.ErrInternal)
	assert.NoError(t, mock.ExpectationsWereMet())
}
