package caltopo

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by read operations when the backend has no such
// resource. Writes against a vanished resource return *ConflictError instead.
var ErrNotFound = errors.New("caltopo: not found")

// TransportError covers connection failures, timeouts, 5xx and 429 responses.
// The caller's backoff logic should retry these.
type TransportError struct {
	Op         string
	StatusCode int // 0 when the request never reached the backend
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("caltopo %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("caltopo %s: HTTP %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError covers 401/403 and malformed credentials. It is fatal: the caller
// must stop retrying and mark the vehicle offline.
type AuthError struct {
	Op         string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("caltopo %s: authentication rejected (HTTP %d)", e.Op, e.StatusCode)
}

// ConflictError means the write target no longer exists on the backend
// (a 404 on a write). Recoverable by recreating the resource.
type ConflictError struct {
	Op       string
	Resource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("caltopo %s: %s no longer exists", e.Op, e.Resource)
}

// Retryable reports whether the error is worth another attempt after backoff.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether the error is a fatal credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConflict reports whether the error is a vanished write target.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// classify maps an HTTP status to the error taxonomy. write distinguishes the
// 404 cases: a missing read target is ErrNotFound, a missing write target is
// a recoverable conflict.
func classify(op string, status int, write bool, resource string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return &AuthError{Op: op, StatusCode: status}
	case status == 404 && write:
		return &ConflictError{Op: op, Resource: resource}
	case status == 404:
		return fmt.Errorf("caltopo %s: %w", op, ErrNotFound)
	default:
		// 5xx, 429 and anything else unclassified gets retried.
		return &TransportError{Op: op, StatusCode: status}
	}
}
