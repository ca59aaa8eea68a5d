package logging

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures so callers can choose a fallback without string matching.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindParse         Kind = "parse"
	KindNoResult      Kind = "no_result"
	KindDecode        Kind = "decode"
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Kind      Kind
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, requestID string, err error) error {
	return NewKindError(KindInternal, operation, requestID, err)
}

// NewKindError is NewOperationError with an explicit failure kind.
func NewKindError(kind Kind, operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Kind: kind, Operation: operation, RequestID: requestID, Err: err}
}

// KindOf returns the kind of the outermost OperationError in err's chain.
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Kind != "" {
		return opErr.Kind
	}
	return KindInternal
}

// IsTransientError reports whether err is worth retrying: deadlines, network
// timeouts and errors that declare themselves temporary.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
