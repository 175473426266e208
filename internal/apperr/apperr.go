// Package apperr holds the error types surfaced by coordinator operations.
// Callers use errors.As to pick the variant and decide whether to retry.
package apperr

import (
	"errors"
	"fmt"

	"github.com/example/emergency-connect/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Validation(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// ConflictError reports a transition the state machine refused. CurrentStatus
// is the request's actual status so the caller can resynchronize; it is empty
// when the conflict is on a bed rather than a request.
type ConflictError struct {
	CurrentStatus models.Status
	Reason        string
}

func (e *ConflictError) Error() string {
	if e.CurrentStatus == "" {
		return "conflict: " + e.Reason
	}
	if e.Reason != "" {
		return fmt.Sprintf("conflict: %s (current status %s)", e.Reason, e.CurrentStatus)
	}
	return fmt.Sprintf("conflict: current status %s", e.CurrentStatus)
}

func Conflict(current models.Status, reason string) error {
	return &ConflictError{CurrentStatus: current, Reason: reason}
}

type AuthorizationError struct {
	Action string
}

func (e *AuthorizationError) Error() string { return "not allowed to " + e.Action }

func Forbidden(action string) error { return &AuthorizationError{Action: action} }

// DependencyError wraps a persistence or transport failure.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *DependencyError) Unwrap() error { return e.Err }

func Dependency(op string, err error) error { return &DependencyError{Op: op, Err: err} }
