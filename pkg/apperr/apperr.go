// Package apperr defines the error taxonomy shared by the stores, the
// pipeline and the HTTP layer. Handlers map these types onto problem+json
// responses; everything unrecognized is an internal error.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinels for bare conditions where no fields are needed.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// ValidationError rejects malformed input before any state is touched:
// unknown intent types, schema violations, bad rulesets, bad query params.
type ValidationError struct {
	Field   string
	Code    string
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Validation builds a field-level ValidationError.
func Validation(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

// AuthenticationError means the caller could not be identified.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Message
}

// AuthorizationError means an identified caller lacks a capability or role.
type AuthorizationError struct {
	Message    string
	Capability string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Message
}

// NotFoundError carries what was looked up and missed.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Unwrap lets errors.Is(err, ErrNotFound) work on typed lookups.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConcurrencyConflictError is an optimistic concurrency failure: the entity
// moved between the caller's read and this write. Retry against the current
// version.
type ConcurrencyConflictError struct {
	EntityType string
	EntityID   string
	Expected   int64
	Actual     int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: expected version %d, actual %d",
		e.EntityType, e.EntityID, e.Expected, e.Actual)
}

// IdempotencyConflictError is a key reuse with a different payload. A true
// replay (same key, same payload) is not an error; it returns the original
// event.
type IdempotencyConflictError struct {
	Key             string
	ExistingEventID string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by event %s with a different payload",
		e.Key, e.ExistingEventID)
}

// StorageError wraps infrastructure failures so callers can distinguish
// "the database broke" from domain outcomes.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a StorageError unless it already carries taxonomy
// meaning.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var nf *NotFoundError
	var cc *ConcurrencyConflictError
	var ic *IdempotencyConflictError
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &cc) || errors.As(err, &ic) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsNotFound reports whether err is a missing-record condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is either conflict class (both map to 409).
func IsConflict(err error) bool {
	var cc *ConcurrencyConflictError
	var ic *IdempotencyConflictError
	return errors.As(err, &cc) || errors.As(err, &ic)
}
