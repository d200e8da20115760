package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies a failure for retry and status decisions
type ErrorKind string

const (
	// ErrorKindFatal aborts the job and is never retried
	ErrorKindFatal ErrorKind = "fatal"
	// ErrorKindTransient is eligible for bounded automatic retry
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPartial affects one batch only
	ErrorKindPartial ErrorKind = "partial"
)

// Fatal input and configuration errors
var (
	ErrContractNotFound     = errors.New("contract not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrInvalidContract      = errors.New("invalid contract")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrInvalidDateRange     = errors.New("malformed date range")
	ErrInvalidRequest       = errors.New("invalid job request")
	ErrUnknownBatch         = errors.New("batch id not in discovery result")
	ErrMissingRequiredToken = errors.New("missing required token")
	ErrTokenCoercion        = errors.New("token value cannot be coerced")
	ErrInjectedFailure      = errors.New("injected failure")
)

// Transient infrastructure errors
var (
	ErrDataSourceTimeout = errors.New("data source timeout")
	ErrDataSourceDown    = errors.New("data source unavailable")
	ErrRendererTimeout   = errors.New("renderer timeout")
	ErrRendererBusy      = errors.New("renderer unavailable")
)

// Job control errors
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNotCancellable    = errors.New("job is terminal and cannot be cancelled")
	ErrNotRetryable      = errors.New("only transiently failed jobs can be retried")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCancelled         = errors.New("job cancelled")
)

// TransientError marks an arbitrary error as retryable
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Classify reports ErrorKindTransient
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// BatchError is a failure scoped to one batch
type BatchError struct {
	BatchID string
	Step    string
	Format  Format
	Err     error
}

func (e *BatchError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("batch %s (%s): %v", e.BatchID, e.Format, e.Err)
	}
	return fmt.Sprintf("batch %s: %v", e.BatchID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Classify maps an error onto the fatal/transient taxonomy using sentinels and
// standard error types only. Unknown errors are fatal so they are never retried blindly.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ErrorKindTransient
	}
	if errors.Is(err, ErrDataSourceTimeout) ||
		errors.Is(err, ErrDataSourceDown) ||
		errors.Is(err, ErrRendererTimeout) ||
		errors.Is(err, ErrRendererBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransient
	}
	if errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInvalidContract) ||
		errors.Is(err, ErrUnknownConnection) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownBatch) {
		return ErrorKindFatal
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return ErrorKindTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ErrorKindTransient
	}
	return ErrorKindFatal
}

// IsTransient is shorthand for Classify(err) == ErrorKindTransient
func IsTransient(err error) bool {
	return Classify(err) == ErrorKindTransient
}
