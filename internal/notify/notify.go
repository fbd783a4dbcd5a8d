// Package notify delivers job attempt events to a callback URL as signed
// CloudEvents, using a buffered worker pool with retry and a per-host
// circuit breaker.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/pkg/cloudevent"
)

// EventSource is the CloudEvent source for every job event.
const EventSource = "/govsync"

// Event types, one per terminal or retryable job status.
const (
	TypeJobCompleted          = "govsync.job.completed"
	TypeJobPartiallyCompleted = "govsync.job.partially_completed"
	TypeJobWaitingExternal    = "govsync.job.waiting_external"
	TypeJobFailed             = "govsync.job.failed"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("notify buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("notify dispatcher is closed")
)

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty = unsigned
	requeues    int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int
	BreakersOpen  int
}

// EventType maps a job status to its event type. QUEUED and RUNNING are
// not reported and return false.
func EventType(status govsync.JobStatus) (string, bool) {
	switch status {
	case govsync.JobCompleted:
		return TypeJobCompleted, true
	case govsync.JobPartiallyCompleted:
		return TypeJobPartiallyCompleted, true
	case govsync.JobWaitingExternal:
		return TypeJobWaitingExternal, true
	case govsync.JobFailed:
		return TypeJobFailed, true
	default:
		return "", false
	}
}

// NewJobEvent builds the CloudEvent for a finished attempt.
func NewJobEvent(job *govsync.JobView) (*cloudevent.CloudEvent, bool) {
	eventType, ok := EventType(job.Status)
	if !ok {
		return nil, false
	}
	subject := fmt.Sprintf("tenants/%s/jobs/%d", job.TenantID, job.JobID)
	return cloudevent.New(eventType, EventSource, subject, job), true
}

// JobAttempted queues an event for the attempt. It never blocks; a full
// buffer drops the event.
func (d *MemoryDispatcher) JobAttempted(_ context.Context, job *govsync.JobView) {
	if d.config.URL == "" || job == nil {
		return
	}
	payload, ok := NewJobEvent(job)
	if !ok {
		return
	}
	err := d.Dispatch(&Event{
		Payload:     payload,
		Destination: d.config.URL,
		SigningKey:  d.config.SigningKey,
	})
	if err != nil && !errors.Is(err, ErrBufferFull) {
		d.logger.Debug("Job event not queued", "jobId", job.JobID, "tenantId", job.TenantID, "error", err)
	}
}

var _ govsync.Notifier = (*MemoryDispatcher)(nil)
