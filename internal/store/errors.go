// Package store implements kbot's durable memory: the per-agent-session
// event log, the per-conversation turn log, and the DM pairing store. All
// three share the same substrate — append-only JSONL logs with fsync, YAML
// metadata rewritten atomically, and per-path mutual exclusion.
package store

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure for the caller's propagation policy.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindIO         Kind = "io"
	// KindConflict covers terminal-state violations: creating a session id
	// that already exists, resolving an already-resolved pairing request.
	KindConflict Kind = "conflict"
)

// Error is the structured store error. Validation failures carry the field
// that failed and the expected/actual types where relevant.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	Field    string
	Expected string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q", e.Field)
		if e.Expected != "" {
			msg += fmt.Sprintf(", expected %s, got %s", e.Expected, e.Actual)
		}
		msg += ")"
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundErr builds a not-found error for op and path.
func NotFoundErr(op, path string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path}
}

// ValidationErr builds a validation error naming the offending field.
func ValidationErr(op, field, expected, actual string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Expected: expected, Actual: actual}
}

// IOErr wraps an underlying filesystem error.
func IOErr(op, path string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

// ConflictErr builds a terminal-state conflict error.
func ConflictErr(op, path string) *Error {
	return &Error{Kind: KindConflict, Op: op, Path: path}
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsValidation reports whether err is a store validation error.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

// IsConflict reports whether err is a store conflict error.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

func hasKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
