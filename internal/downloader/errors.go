package downloader

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
)

// NetworkError represents transient network failures: connection-level
// errors, timeouts, 5xx responses and rate-limit signals. Retryable with
// backoff; the partial file is preserved so the retry resumes.
type NetworkError struct {
	Operation  string // The phase that failed (e.g. "request", "stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ClientError represents terminal request failures (404, 403, malformed
// URLs). Never retried.
type ClientError struct {
	URL        string
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error fetching %s (HTTP %d)", e.URL, e.StatusCode)
}

// LocalError represents local resource failures (disk full, permission
// denied). Terminal; when DiskFull is set the partial bytes are preserved
// since they remain valid for a future resume.
type LocalError struct {
	Path     string
	DiskFull bool
	Err      error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local error writing %s: %v", e.Path, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// ErrKind is the coarse classification reported to the dispatcher. Every
// error is classified inside the worker before it leaves the state machine.
type ErrKind string

const (
	ErrKindNone     ErrKind = ""
	ErrKindNetwork  ErrKind = "network_transient"
	ErrKindClient   ErrKind = "client_error"
	ErrKindLocal    ErrKind = "local_resource"
	ErrKindStore    ErrKind = "store_error"
	ErrKindCanceled ErrKind = "canceled"
)

// KindOf maps a classified error to its coarse kind.
func KindOf(err error) ErrKind {
	var (
		netErr    *NetworkError
		clientErr *ClientError
		localErr  *LocalError
	)

	switch {
	case err == nil:
		return ErrKindNone
	case errors.As(err, &netErr):
		return ErrKindNetwork
	case errors.As(err, &clientErr):
		return ErrKindClient
	case errors.As(err, &localErr):
		return ErrKindLocal
	// Checked before the store branch: a store call interrupted by the
	// run's stop signal is a cooperative stop, not a store failure.
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ErrKindCanceled
	case checkpoint.IsStoreError(err):
		return ErrKindStore
	default:
		return ErrKindLocal
	}
}

// retryable reports whether the worker should back off and try again.
func retryable(err error) bool {
	return KindOf(err) == ErrKindNetwork
}

// classifyWriteError separates disk exhaustion from other local failures.
func classifyWriteError(path string, err error) error {
	return &LocalError{
		Path:     path,
		DiskFull: errors.Is(err, syscall.ENOSPC),
		Err:      err,
	}
}
