// Package govsync owns sync jobs: creation, single-attempt processing against
// the gov API, and status reporting with per-job aggregates.
package govsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
	"github.com/hitzu/luca-home-assessment/internal/govapi"
	"github.com/hitzu/luca-home-assessment/pkg/backoff"
	"github.com/hitzu/luca-home-assessment/pkg/circuitbreaker"
)

// Attempt outcomes reported to metrics besides the resulting job status.
const OutcomeCircuitOpen = "circuit_open"

// Service manages the sync job lifecycle.
//
// The Service holds no job state of its own. Each attempt reads the job,
// claims it with a conditional update and writes results through the
// Repository, so several instances can share one store.
type Service struct {
	repo     Repository
	sender   BatchSender
	roster   Roster
	notifier Notifier
	metrics  MetricsRecorder

	backoff backoff.Config
	lease   time.Duration
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRoster sets the student source. Defaults to RepresentativeRoster.
func WithRoster(r Roster) Option {
	return func(s *Service) { s.roster = r }
}

// WithNotifier sets the attempt notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new sync job service.
func NewService(repo Repository, sender BatchSender, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		repo:    repo,
		sender:  sender,
		roster:  RepresentativeRoster{},
		backoff: cfg.Backoff,
		lease:   cfg.Lease,
		now:     cfg.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartJob validates the period and creates a QUEUED job.
func (s *Service) StartJob(ctx context.Context, tenantRaw, periodID string) (*JobView, error) {
	if periodID == "" {
		return nil, apperrors.WithKind(apperrors.Validation("periodId", "periodId is required"), ErrInvalidPeriod)
	}
	tenant, err := ParseTenantID(tenantRaw)
	if err != nil {
		return nil, err
	}
	period, err := ParsePeriod(periodID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &Job{
		TenantID:    tenant,
		PeriodID:    period.ID,
		WindowStart: period.WindowStart.Format(DateLayout),
		WindowEnd:   period.WindowEnd.Format(DateLayout),
		Status:      JobQueued,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx)
	}
	slog.Info("Sync job created", "tenantId", tenant.String(), "jobId", job.ID, "periodId", job.PeriodID)

	return newView(job, nil), nil
}

// GetJob returns the job with aggregates computed from its results.
func (s *Service) GetJob(ctx context.Context, tenantRaw string, jobID int64) (*JobView, error) {
	tenant, err := ParseTenantID(tenantRaw)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, job)
}

// ProcessJob makes exactly one submission attempt for the job.
//
// A COMPLETED job is returned as is. When the tenant's circuit is open the
// job is left as it was and the CircuitOpen error is returned. Any other gov
// API failure is recorded as a WAITING_EXTERNAL result and the updated job is
// returned without error.
//
// Successful results continue each student's attempt sequence instead of
// always being written as attempt 1, so (jobId, studentId, attemptNumber)
// and the idempotency key stay unique next to earlier failure rows.
func (s *Service) ProcessJob(ctx context.Context, tenantRaw string, jobID int64) (*JobView, error) {
	tenant, err := ParseTenantID(tenantRaw)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == JobCompleted {
		return s.view(ctx, job)
	}

	logger := slog.With("tenantId", tenant.String(), "jobId", job.ID, "periodId", job.PeriodID)
	now := s.now().UTC()

	if job.Status == JobRunning && now.Sub(job.UpdatedAt) < s.lease {
		return nil, jobBusy(job.ID)
	}

	prior := *job
	job.Status = JobRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.CompletedAt = nil
	job.UpdatedAt = now
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, ErrStaleJob) {
			return nil, jobBusy(job.ID)
		}
		return nil, err
	}

	// The attempt is claimed; finish bookkeeping even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	students, err := s.roster.Students(ctx, job)
	if err != nil {
		s.release(persistCtx, job, &prior, logger)
		return nil, apperrors.Internal("roster.students", err)
	}

	batch, sendErr := s.sender.SendBatch(ctx, tenant.String(), job.PeriodID, students)
	if errors.Is(sendErr, govapi.ErrCircuitOpen) {
		s.release(persistCtx, job, &prior, logger)
		s.recordAttempt(ctx, OutcomeCircuitOpen)
		logger.Warn("Gov API circuit open, attempt skipped", "error", sendErr)
		return nil, sendErr
	}

	rawRequest, _ := json.Marshal(govapi.BatchRequest{
		TenantID: tenant.String(),
		PeriodID: job.PeriodID,
		Students: students,
	})

	finishedAt := s.now().UTC()
	if sendErr != nil {
		err = s.recordFailure(persistCtx, job, students, rawRequest, sendErr, finishedAt)
		logger.Warn("Gov API submission failed, job waiting", "error", sendErr)
	} else {
		err = s.recordSuccess(persistCtx, job, students, rawRequest, batch, finishedAt)
	}
	if err != nil {
		logger.Error("Failed to record attempt", "error", err)
		return nil, err
	}

	view, err := s.view(persistCtx, job)
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, string(job.Status))
	if s.notifier != nil {
		s.notifier.JobAttempted(persistCtx, view)
	}
	logger.Info("Sync job attempt finished", "status", job.Status)
	return view, nil
}

// CircuitStatus returns the tenant's gov API breaker state.
func (s *Service) CircuitStatus(tenantRaw string) (govapi.CircuitStatus, error) {
	tenant, err := ParseTenantID(tenantRaw)
	if err != nil {
		return govapi.CircuitStatus{}, err
	}
	return s.sender.CircuitStatus(tenant.String()), nil
}

// SendBatch submits a batch for the tenant directly, outside any job.
func (s *Service) SendBatch(ctx context.Context, tenantRaw, periodID string, students []govapi.StudentPayload) (*govapi.BatchResult, error) {
	tenant, err := ParseTenantID(tenantRaw)
	if err != nil {
		return nil, err
	}
	if periodID == "" {
		return nil, apperrors.WithKind(apperrors.Validation("periodId", "periodId is required"), ErrInvalidPeriod)
	}
	for _, st := range students {
		if st.StudentID == "" {
			return nil, apperrors.Validation("students", "studentId is required")
		}
	}
	return s.sender.SendBatch(ctx, tenant.String(), periodID, students)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// release puts the job back the way it was before the attempt claimed it.
func (s *Service) release(ctx context.Context, job, prior *Job, logger *slog.Logger) {
	restored := *prior
	restored.Version = job.Version
	if err := s.repo.UpdateJob(ctx, &restored); err != nil {
		logger.Error("Failed to restore job after skipped attempt", "error", err)
		return
	}
	*job = restored
}

func (s *Service) recordSuccess(ctx context.Context, job *Job, students []govapi.StudentPayload, rawRequest json.RawMessage, batch *govapi.BatchResult, now time.Time) error {
	rawResponse, _ := json.Marshal(batch)

	accepted := 0
	for _, st := range students {
		attempt, err := s.nextAttempt(ctx, job, st.StudentID)
		if err != nil {
			return err
		}

		res := &Result{
			JobID:          job.ID,
			TenantID:       job.TenantID,
			StudentID:      st.StudentID,
			PeriodID:       job.PeriodID,
			AttemptNumber:  attempt,
			IdempotencyKey: IdempotencyKey(job.ID, st.StudentID, attempt),
			RawRequest:     rawRequest,
			RawResponse:    rawResponse,
			SyncedAt:       &now,
			CreatedAt:      now,
		}
		item, ok := batch.Item(st.StudentID)
		switch {
		case !ok:
			res.Status = ResultError
			res.ErrorCode = ptr("MISSING_RESULT")
			res.ErrorMessage = ptr("gov API returned no result for student")
		case item.Status == govapi.BatchAccepted:
			res.Status = ResultAccepted
			res.ExternalRecordID = item.ExternalRecordID
		default:
			res.Status = ResultRejected
			res.ExternalRecordID = item.ExternalRecordID
			res.ErrorCode = item.ErrorCode
			res.ErrorMessage = item.ErrorMessage
		}
		if res.Status.Accepted() {
			accepted++
		}
		if err := s.repo.InsertResult(ctx, res); err != nil {
			return err
		}
	}

	switch {
	case accepted == len(students):
		job.Status = JobCompleted
	case accepted == 0:
		job.Status = JobFailed
	default:
		job.Status = JobPartiallyCompleted
	}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return s.repo.UpdateJob(ctx, job)
}

func (s *Service) recordFailure(ctx context.Context, job *Job, students []govapi.StudentPayload, rawRequest json.RawMessage, sendErr error, now time.Time) error {
	code := apperrors.CodeOf(sendErr)
	if code == "" {
		code = "UPSTREAM_FAILURE"
	}
	message := sendErr.Error()

	for _, st := range students {
		attempt, err := s.nextAttempt(ctx, job, st.StudentID)
		if err != nil {
			return err
		}
		retryAt := now.Add(s.retryDelay(job.TenantID, attempt))
		res := &Result{
			JobID:          job.ID,
			TenantID:       job.TenantID,
			StudentID:      st.StudentID,
			PeriodID:       job.PeriodID,
			Status:         ResultWaitingExternal,
			AttemptNumber:  attempt,
			IdempotencyKey: IdempotencyKey(job.ID, st.StudentID, attempt),
			ErrorCode:      &code,
			ErrorMessage:   &message,
			RawRequest:     rawRequest,
			NextRetryAt:    &retryAt,
			CreatedAt:      now,
		}
		if err := s.repo.InsertResult(ctx, res); err != nil {
			return err
		}
	}

	job.Status = JobWaitingExternal
	job.CompletedAt = nil
	job.UpdatedAt = now
	return s.repo.UpdateJob(ctx, job)
}

// retryDelay waits out the open window if the failure tripped the breaker,
// otherwise uses the configured backoff.
func (s *Service) retryDelay(tenant TenantID, attempt int) time.Duration {
	status := s.sender.CircuitStatus(tenant.String())
	if status.State == circuitbreaker.Open {
		if remaining, ok := status.OpenRemaining(); ok {
			return remaining
		}
	}
	return backoff.Delay(attempt, s.backoff)
}

func (s *Service) nextAttempt(ctx context.Context, job *Job, studentID string) (int, error) {
	n, err := s.repo.CountAttempts(ctx, job.TenantID, job.ID, studentID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (s *Service) view(ctx context.Context, job *Job) (*JobView, error) {
	counts, err := s.repo.CountResultsByStatus(ctx, job.TenantID, job.ID)
	if err != nil {
		return nil, err
	}
	return newView(job, aggregate(counts)), nil
}

func (s *Service) recordAttempt(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordJobAttempt(ctx, outcome)
	}
}

func ptr[T any](v T) *T { return &v }
