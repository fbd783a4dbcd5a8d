package govapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
)

// Failure kinds. Every error returned by Client.SendBatch matches exactly one
// of ErrCircuitOpen, ErrUpstreamFailure or ErrMalformedResponse via errors.Is;
// ErrTimeout additionally matches ErrUpstreamFailure.
var (
	ErrCircuitOpen       = errors.New("gov API circuit open")
	ErrUpstreamFailure   = errors.New("gov API upstream failure")
	ErrTimeout           = fmt.Errorf("%w: timeout", ErrUpstreamFailure)
	ErrMalformedResponse = errors.New("gov API malformed response")
)

// Error codes persisted on results.
const (
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeTimeout           = "TIMEOUT"
	CodeTransport         = "TRANSPORT_ERROR"
	CodeMalformedResponse = "MALFORMED_RESPONSE"
)

func circuitOpenError(message string, retryAfter time.Duration) error {
	return apperrors.WithKind(apperrors.Unavailable(CodeCircuitOpen, message, retryAfter), ErrCircuitOpen)
}

func timeoutError(timeout time.Duration, cause error) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrUpstream,
		Kind:     ErrTimeout,
		Code:     CodeTimeout,
		Message:  fmt.Sprintf("gov API did not respond within %s", timeout),
		Cause:    cause,
	}
}

func transportError(cause error) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrUpstream,
		Kind:     ErrUpstreamFailure,
		Code:     CodeTransport,
		Message:  fmt.Sprintf("gov API request failed: %v", cause),
		Cause:    cause,
	}
}

func statusError(status int, detail string) error {
	msg := fmt.Sprintf("gov API %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	return &apperrors.Error{
		Sentinel: apperrors.ErrUpstream,
		Kind:     ErrUpstreamFailure,
		Code:     fmt.Sprintf("HTTP_%d", status),
		Message:  msg,
	}
}

func malformedError(detail string, cause error) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrUpstream,
		Kind:     ErrMalformedResponse,
		Code:     CodeMalformedResponse,
		Message:  "gov API response is malformed: " + detail,
		Cause:    cause,
	}
}
