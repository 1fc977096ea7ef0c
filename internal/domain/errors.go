package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies per-record and per-call failures
type ErrorKind string

const (
	ErrNotFound           ErrorKind = "not_found"
	ErrInvalidReference   ErrorKind = "invalid_reference"
	ErrCircularReference  ErrorKind = "circular_reference"
	ErrConflictUnresolved ErrorKind = "conflict_unresolved"
	ErrCriticalFailure    ErrorKind = "critical_failure"
)

// MaxReportedErrors bounds the error strings carried by a batch result.
const MaxReportedErrors = 100

// RecordError is a failure attached to a single work record.
type RecordError struct {
	Kind    ErrorKind
	WorkID  int64
	UUID    string
	Message string
	Err     error
}

func (e *RecordError) Error() string {
	subject := ""
	switch {
	case e.UUID != "":
		subject = "work " + e.UUID
	case e.WorkID != 0:
		subject = fmt.Sprintf("work %d", e.WorkID)
	}

	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}

	if subject == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", subject, e.Kind, msg)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// NotFound builds a not-found record error.
func NotFound(workID int64) *RecordError {
	return &RecordError{Kind: ErrNotFound, WorkID: workID, Message: "not found"}
}

// InvalidReference builds a dangling-reference record error.
func InvalidReference(workID int64, format string, args ...any) *RecordError {
	return &RecordError{Kind: ErrInvalidReference, WorkID: workID, Message: fmt.Sprintf(format, args...)}
}

// CircularReference builds a cycle record error.
func CircularReference(workID, parentID int64) *RecordError {
	return &RecordError{
		Kind:    ErrCircularReference,
		WorkID:  workID,
		Message: fmt.Sprintf("parent %d would create a cycle", parentID),
	}
}

// Critical wraps a storage or collaborator failure.
func Critical(err error, format string, args ...any) *RecordError {
	return &RecordError{Kind: ErrCriticalFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind of err, or ErrCriticalFailure for anything
// that is not a RecordError.
func KindOf(err error) ErrorKind {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrCriticalFailure
}

// IsKind reports whether err is a RecordError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RecordError
	return errors.As(err, &re) && re.Kind == kind
}

// ErrorList accumulates human-readable error strings up to MaxReportedErrors.
type ErrorList struct {
	Items     []string
	Truncated int
}

// Add appends err's message unless the list is full.
func (l *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	if len(l.Items) >= MaxReportedErrors {
		l.Truncated++
		return
	}
	l.Items = append(l.Items, err.Error())
}

// Strings returns the recorded messages, with a trailing note when some were dropped.
func (l *ErrorList) Strings() []string {
	out := make([]string, 0, len(l.Items)+1)
	out = append(out, l.Items...)
	if l.Truncated > 0 {
		out = append(out, fmt.Sprintf("... and %d more errors", l.Truncated))
	}
	return out
}
