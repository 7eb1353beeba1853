package utils

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
	ErrSourceChanged             = errors.New("remote object changed since parts were stored")
)

// MetadataError means the object could not be resolved; it is never retried.
type MetadataError struct {
	ID  string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata for %s: %v", e.ID, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

type PlanningError struct {
	TotalSize   int64
	SegmentSize int64
	Reason      string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed (size=%d, segment=%d): %s", e.TotalSize, e.SegmentSize, e.Reason)
}

// TransferError covers transport failures and unexpected HTTP responses for
// one segment. StatusCode is 0 when no response was received.
type TransferError struct {
	Index      int
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("segment %d: transfer failed with status %d: %v", e.Index, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("segment %d: transfer failed: %v", e.Index, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

type SizeMismatchError struct {
	Index    int
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("segment %d: size mismatch: expected %d bytes, got %d", e.Index, e.Expected, e.Actual)
}

// MergeError is fatal. Index is -1 when the failure is not tied to a segment.
type MergeError struct {
	Index  int
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	msg := "merge failed"
	if e.Index >= 0 {
		msg = fmt.Sprintf("merge failed at segment %d", e.Index)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *MergeError) Unwrap() error { return e.Err }

type SegmentFailure struct {
	Index    int
	Attempts int
	Err      error
}

// SessionError is returned once any segment exhausts its retry budget.
type SessionError struct {
	Failures []SegmentFailure
}

func (e *SessionError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("session failed: segment %d gave up after %d attempts: %v", f.Index, f.Attempts, f.Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%d", f.Index))
	}
	return fmt.Sprintf("session failed: %d segments gave up (%s)", len(e.Failures), strings.Join(parts, ", "))
}

func (e *SessionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsRetryable reports whether a segment-level error may be retried in place.
func IsRetryable(err error) bool {
	var te *TransferError
	var sm *SizeMismatchError
	return errors.As(err, &te) || errors.As(err, &sm)
}
