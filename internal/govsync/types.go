package govsync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DateLayout is the format of window dates.
const DateLayout = "2006-01-02"

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobQueued             JobStatus = "QUEUED"
	JobRunning            JobStatus = "RUNNING"
	JobWaitingExternal    JobStatus = "WAITING_EXTERNAL"
	JobPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
	JobCompleted          JobStatus = "COMPLETED"
	JobFailed             JobStatus = "FAILED"
)

// Valid reports whether s is a declared job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobWaitingExternal, JobPartiallyCompleted, JobCompleted, JobFailed:
		return true
	}
	return false
}

// ResultStatus is the outcome recorded for one student in one attempt.
type ResultStatus string

const (
	ResultAccepted        ResultStatus = "ACCEPTED"
	ResultRejected        ResultStatus = "REJECTED"
	ResultCorrected       ResultStatus = "CORRECTED"
	ResultError           ResultStatus = "ERROR"
	ResultDead            ResultStatus = "DEAD"
	ResultWaitingExternal ResultStatus = "WAITING_EXTERNAL"
)

// Valid reports whether s is a declared result status.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultAccepted, ResultRejected, ResultCorrected, ResultError, ResultDead, ResultWaitingExternal:
		return true
	}
	return false
}

// Accepted reports whether the gov API took the record.
func (s ResultStatus) Accepted() bool {
	return s == ResultAccepted || s == ResultCorrected
}

// TenantID is the numeric tenant identity.
type TenantID int64

var tenantPattern = regexp.MustCompile(`^(?:Tenant)?([0-9]+)$`)

// ParseTenantID accepts "123" or "Tenant123". The number must be positive.
func ParseTenantID(raw string) (TenantID, error) {
	m := tenantPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, invalidTenantID(raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, invalidTenantID(raw)
	}
	return TenantID(n), nil
}

// String returns the canonical "Tenant<n>" form used as the breaker key
// and on the gov API wire.
func (t TenantID) String() string {
	return "Tenant" + strconv.FormatInt(int64(t), 10)
}

var periodPattern = regexp.MustCompile(`^([0-9]{4})-Q([1-4])$`)

// Period is a reporting quarter.
type Period struct {
	ID          string
	Year        int
	Quarter     int
	WindowStart time.Time // first day of the quarter, UTC
	WindowEnd   time.Time // last day of the quarter, UTC
}

// ParsePeriod parses a YYYY-Qn period id.
func ParsePeriod(id string) (Period, error) {
	m := periodPattern.FindStringSubmatch(id)
	if m == nil {
		return Period{}, invalidPeriod(id)
	}
	year, _ := strconv.Atoi(m[1])
	quarter, _ := strconv.Atoi(m[2])

	startMonth := time.Month(3*(quarter-1) + 1)
	start := time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC)
	// Day 0 of the month after the quarter is its last day
	end := time.Date(year, startMonth+3, 0, 0, 0, 0, 0, time.UTC)

	return Period{ID: id, Year: year, Quarter: quarter, WindowStart: start, WindowEnd: end}, nil
}

// Job is one reporting run for one tenant and period.
type Job struct {
	ID          int64
	TenantID    TenantID
	PeriodID    string
	WindowStart string // YYYY-MM-DD
	WindowEnd   string // YYYY-MM-DD
	Status      JobStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Version guards conditional updates. The store bumps it on every write.
	Version   int64
	UpdatedAt time.Time
}

// Result is one (job, student, attempt) outcome. Rows are append-only.
type Result struct {
	ID               int64
	JobID            int64
	TenantID         TenantID
	StudentID        string
	PeriodID         string
	Status           ResultStatus
	AttemptNumber    int
	ExternalRecordID *string
	IdempotencyKey   string
	ErrorCode        *string
	ErrorMessage     *string
	RawRequest       json.RawMessage
	RawResponse      json.RawMessage
	SyncedAt         *time.Time
	NextRetryAt      *time.Time
	CreatedAt        time.Time
}

// IdempotencyKey derives the result key for one (job, student, attempt).
func IdempotencyKey(jobID int64, studentID string, attempt int) string {
	return fmt.Sprintf("job-%d-student-%s-attempt-%d", jobID, studentID, attempt)
}

// Aggregates summarizes a job's results.
type Aggregates struct {
	TotalItems     int `json:"totalItems"`
	ProcessedItems int `json:"processedItems"`
	DeadItems      int `json:"deadItems"`
}

// JobView is the job projection returned to callers.
type JobView struct {
	JobID       int64       `json:"jobId"`
	TenantID    string      `json:"tenantId"`
	PeriodID    string      `json:"periodId"`
	WindowStart string      `json:"windowStart"`
	WindowEnd   string      `json:"windowEnd"`
	Status      JobStatus   `json:"status"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	StartedAt   *time.Time  `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt"`
	Aggregates  *Aggregates `json:"aggregates,omitempty"`
}

func newView(job *Job, agg *Aggregates) *JobView {
	return &JobView{
		JobID:       job.ID,
		TenantID:    job.TenantID.String(),
		PeriodID:    job.PeriodID,
		WindowStart: job.WindowStart,
		WindowEnd:   job.WindowEnd,
		Status:      job.Status,
		ScheduledAt: job.ScheduledAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Aggregates:  agg,
	}
}

// aggregate computes job aggregates from per-status counts.
// It returns nil when there are no results.
func aggregate(counts map[ResultStatus]int) *Aggregates {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}
	return &Aggregates{
		TotalItems:     total,
		ProcessedItems: total - counts[ResultWaitingExternal],
		DeadItems:      counts[ResultDead],
	}
}
