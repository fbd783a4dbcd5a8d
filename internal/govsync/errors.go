package govsync

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
)

// Domain error kinds, matched with errors.Is.
var (
	ErrInvalidPeriod   = errors.New("invalid period")
	ErrInvalidTenantID = errors.New("invalid tenant id")
	ErrInvalidJobID    = errors.New("invalid job id")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobBusy         = errors.New("job is being processed")
	ErrStaleJob        = errors.New("job was modified concurrently")
	ErrDuplicateResult = errors.New("duplicate result")
)

func invalidPeriod(id string) error {
	return apperrors.WithKind(
		apperrors.Validation("periodId", fmt.Sprintf("invalid periodId %q (expected YYYY-Qn with n in 1..4)", id)),
		ErrInvalidPeriod,
	)
}

func invalidTenantID(raw string) error {
	return apperrors.WithKind(
		apperrors.Validation("tenantId", fmt.Sprintf("invalid tenantId %q (expected <n> or Tenant<n>)", raw)),
		ErrInvalidTenantID,
	)
}

// ParseJobID parses a positive numeric job id.
func ParseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.WithKind(
			apperrors.Validation("jobId", fmt.Sprintf("invalid jobId %q", raw)),
			ErrInvalidJobID,
		)
	}
	return id, nil
}

// JobNotFound is returned by repositories for a job missing from the tenant's scope.
func JobNotFound(id int64) error {
	return apperrors.WithKind(apperrors.NotFound("job", strconv.FormatInt(id, 10)), ErrJobNotFound)
}

// StaleJob is returned by repositories when a conditional update lost a race.
func StaleJob(id int64) error {
	return apperrors.WithKind(
		apperrors.Conflict("job", fmt.Sprintf("job %d was modified concurrently", id), nil),
		ErrStaleJob,
	)
}

// DuplicateResult is returned by repositories when (tenant, idempotency key) already exists.
func DuplicateResult(tenant TenantID, key string, cause error) error {
	return apperrors.WithKind(
		apperrors.Conflict("result", fmt.Sprintf("result %s already recorded for %s", key, tenant), cause),
		ErrDuplicateResult,
	)
}

func jobBusy(id int64) error {
	return apperrors.WithKind(
		apperrors.Conflict("job", fmt.Sprintf("job %d is already being processed", id), nil),
		ErrJobBusy,
	)
}
