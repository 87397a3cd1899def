package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task failures for propagation and HTTP mapping.
// Kinds are carried on TaskError values, never matched by string.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindForbidden  ErrorKind = "forbidden"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindUpstream   ErrorKind = "upstream"
	KindTransport  ErrorKind = "transport"
	KindTimeout    ErrorKind = "timeout"
	KindInternal   ErrorKind = "internal"
)

// TaskError is a classified handler failure.
type TaskError struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

func (e *TaskError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *TaskError) Unwrap() error { return e.cause }

// NewTaskError creates a classified error with a detail message.
func NewTaskError(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapTaskError classifies an underlying error without losing its chain.
func WrapTaskError(kind ErrorKind, err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, Detail: err.Error(), cause: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Result is the outcome of a task handler: Ok(value) or Err(error).
// Handlers return Result; the envelope serializer is the only place that
// flattens it into the JSON status/result/error fields.
type Result struct {
	Value map[string]any
	Err   error
}

// Ok wraps a successful handler result.
func Ok(value map[string]any) Result {
	return Result{Value: value}
}

// Err wraps a handler failure.
func Err(err error) Result {
	return Result{Err: err}
}

// Errf builds a classified failure result in one call.
func Errf(kind ErrorKind, format string, args ...any) Result {
	return Result{Err: NewTaskError(kind, format, args...)}
}

// IsOK reports whether the result is a success.
func (r Result) IsOK() bool { return r.Err == nil }
