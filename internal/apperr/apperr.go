// Package apperr defines the coded errors shared by the continuity engine.
// Callers branch on Code, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class. Codes are stable and safe to show to clients.
type Code string

const (
	InvalidArgument        Code = "invalid_argument"
	EmptyInput             Code = "empty_input"
	SummarizerError        Code = "summarizer_error"
	GeneratorError         Code = "generator_error"
	ConcurrentModification Code = "concurrent_modification"
	ConflictRetryable      Code = "conflict_retryable"
	ThreadArchived         Code = "thread_archived"
	InvalidMention         Code = "invalid_mention"
	NotFound               Code = "not_found"
	InvalidTransition      Code = "invalid_transition"
	Internal               Code = "internal"
)

// Error is a coded error with the operation that produced it.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a coded error.
func New(code Code, op, message string) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message)}
}

// Wrap annotates err with code. Returns nil when err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: err.Error(), Cause: err}
}

// IsCode reports whether err, or any error it wraps, carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost coded error in err's chain,
// or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Retryable reports whether the caller may retry the whole operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ConcurrentModification, ConflictRetryable, SummarizerError, GeneratorError:
		return true
	}
	return false
}

// PublicMessage is the client-facing text for a code. It never includes
// upstream error detail.
func PublicMessage(code Code) string {
	switch code {
	case InvalidArgument:
		return "the request was malformed"
	case EmptyInput:
		return "there was nothing to process"
	case SummarizerError, GeneratorError:
		return "the assistant could not complete the request, please try again"
	case ConcurrentModification:
		return "the report changed while this request was running, please retry"
	case ConflictRetryable:
		return "a conflicting update is in progress, please retry"
	case ThreadArchived:
		return "this thread is archived"
	case InvalidMention:
		return "an entity mention was malformed"
	case NotFound:
		return "not found"
	case InvalidTransition:
		return "that change is not allowed in the current state"
	default:
		return "something went wrong"
	}
}
