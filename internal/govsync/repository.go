package govsync

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/hitzu/luca-home-assessment/internal/govapi"
)

// Repository persists jobs and results. Every read is scoped to a tenant;
// a job owned by another tenant is reported as not found.
type Repository interface {
	// CreateJob stores a new job and fills in its ID and Version.
	CreateJob(ctx context.Context, job *Job) error
	// GetJob returns ErrJobNotFound when the job does not exist for tenant.
	GetJob(ctx context.Context, tenant TenantID, id int64) (*Job, error)
	// UpdateJob writes status and timestamps if job.Version still matches
	// the stored row, then bumps job.Version. A mismatch returns ErrStaleJob.
	UpdateJob(ctx context.Context, job *Job) error
	// InsertResult appends a result. A repeated (tenant, idempotency key)
	// returns ErrDuplicateResult.
	InsertResult(ctx context.Context, result *Result) error
	// CountAttempts returns how many results exist for one student of a job.
	CountAttempts(ctx context.Context, tenant TenantID, jobID int64, studentID string) (int, error)
	// CountResultsByStatus groups a job's results by status.
	CountResultsByStatus(ctx context.Context, tenant TenantID, jobID int64) (map[ResultStatus]int, error)
	// ListResults returns a job's results ordered by insertion.
	ListResults(ctx context.Context, tenant TenantID, jobID int64) ([]Result, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// BatchSender submits batches to the gov API.
type BatchSender interface {
	SendBatch(ctx context.Context, tenantID, periodID string, students []govapi.StudentPayload) (*govapi.BatchResult, error)
	CircuitStatus(tenantID string) govapi.CircuitStatus
}

// Roster supplies the students submitted for a job.
type Roster interface {
	Students(ctx context.Context, job *Job) ([]govapi.StudentPayload, error)
}

// RosterFunc adapts a function to Roster.
type RosterFunc func(ctx context.Context, job *Job) ([]govapi.StudentPayload, error)

// Students calls f.
func (f RosterFunc) Students(ctx context.Context, job *Job) ([]govapi.StudentPayload, error) {
	return f(ctx, job)
}

// RepresentativeStudentID is the single student submitted by RepresentativeRoster.
var RepresentativeStudentID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// RepresentativeRoster submits one fixed student per job.
type RepresentativeRoster struct{}

// Students returns the representative student with the job's window as payload.
func (RepresentativeRoster) Students(_ context.Context, job *Job) ([]govapi.StudentPayload, error) {
	payload, err := json.Marshal(map[string]any{
		"jobId":       job.ID,
		"windowStart": job.WindowStart,
		"windowEnd":   job.WindowEnd,
	})
	if err != nil {
		return nil, err
	}
	return []govapi.StudentPayload{{StudentID: RepresentativeStudentID.String(), Payload: payload}}, nil
}

// Notifier is told about every finished processing attempt.
// Implementations must not block.
type Notifier interface {
	JobAttempted(ctx context.Context, job *JobView)
}

// MetricsRecorder is an optional interface for recording orchestrator metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context)
	RecordJobAttempt(ctx context.Context, outcome string)
}
