package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/thekeeper/internal/event"
)

// RuntimeError represents an error detected by the sync engine itself, as
// opposed to a transport or storage failure it passes through.
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Op is the engine operation that failed ("sync", "submit", ...).
	Op string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeRejected indicates the log service refused a submitted event.
	ErrCodeRejected RuntimeErrorCode = "REJECTED"

	// ErrCodeAckMismatch indicates the append response did not carry one
	// ack per submitted event.
	ErrCodeAckMismatch RuntimeErrorCode = "ACK_MISMATCH"

	// ErrCodeBusy indicates another operation is already in flight.
	ErrCodeBusy RuntimeErrorCode = "BUSY"

	// ErrCodeCursor indicates the service returned an envelope at or
	// before the replica cursor.
	ErrCodeCursor RuntimeErrorCode = "CURSOR_REGRESSION"

	// ErrCodeNotOpen indicates an operation before Open.
	ErrCodeNotOpen RuntimeErrorCode = "NOT_OPEN"

	// ErrCodeInvalidEvent indicates a submission failed local validation
	// and was never sent.
	ErrCodeInvalidEvent RuntimeErrorCode = "INVALID_EVENT"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// SubmitError reports the first event of a batch the log service refused.
// The whole batch is unresolved: nothing was applied to the projection.
type SubmitError struct {
	// Index is the position of the refused event in the submitted batch.
	Index int

	// Kind is the kind of the refused event.
	Kind event.Kind

	// Detail is the service's error message for that event.
	Detail string
}

// Error implements the error interface.
func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit: event %d (%s) rejected: %s", e.Index, e.Kind, e.Detail)
}

// Unwrap exposes the error as an ErrCodeRejected RuntimeError.
func (e *SubmitError) Unwrap() error {
	return &RuntimeError{
		Code:    ErrCodeRejected,
		Message: e.Detail,
		Op:      "submit",
		Details: map[string]string{
			"index": fmt.Sprintf("%d", e.Index),
			"kind":  string(e.Kind),
		},
	}
}

// IsBusyError returns true if the error is a re-entrant call rejection.
// Uses errors.As to handle wrapped errors.
func IsBusyError(err error) bool {
	return hasCode(err, ErrCodeBusy)
}

// IsRejectedError returns true if the log service refused a submitted
// event. Uses errors.As to handle wrapped errors.
func IsRejectedError(err error) bool {
	return hasCode(err, ErrCodeRejected)
}

// IsCursorError returns true if the service broke cursor ordering.
func IsCursorError(err error) bool {
	return hasCode(err, ErrCodeCursor)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func newBusyError(op string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeBusy,
		Message: "another operation is in flight",
		Op:      op,
	}
}

func newNotOpenError(op string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNotOpen,
		Message: "engine used before Open",
		Op:      op,
	}
}

func newCursorError(op string, cursor, ts int64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCursor,
		Message: fmt.Sprintf("envelope ts %d is not after cursor %d", ts, cursor),
		Op:      op,
		Details: map[string]string{
			"cursor": fmt.Sprintf("%d", cursor),
			"ts":     fmt.Sprintf("%d", ts),
		},
		Err: cause,
	}
}

func newAckMismatchError(sent, acked int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeAckMismatch,
		Message: fmt.Sprintf("sent %d events, got %d acks", sent, acked),
		Op:      "submit",
		Details: map[string]string{
			"sent":  fmt.Sprintf("%d", sent),
			"acked": fmt.Sprintf("%d", acked),
		},
	}
}
