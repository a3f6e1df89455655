package common

import (
	"errors"
	"net/http"
)

var (
	ErrConfig            = errors.New("invalid configuration")
	ErrTopicUnavailable  = errors.New("topic could not be recovered from message")
	ErrMalformedPayload  = errors.New("malformed message payload")
	ErrInvalidTransition = errors.New("invalid job lifecycle transition")
	ErrJobInProgress     = errors.New("another job is already in progress")
	ErrJobLockFailed     = errors.New("failed to acquire job lock")
	ErrJobRejected       = errors.New("job rejected by executor") // Wrap to report REJECTED instead of FAILED
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrJobInProgress) || errors.Is(err, ErrJobLockFailed) || errors.Is(err, ErrInvalidTransition) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrMalformedPayload) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
