package common

import (
	"errors"
	"fmt"
)

// TransientProviderError wraps a provider failure that is expected to succeed
// on retry: network errors, timeouts, rate limits.
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// SchemaViolationError reports model output that failed schema validation
// after all repair attempts. The owning chunk is marked failed and skipped;
// sibling chunks are unaffected.
type SchemaViolationError struct {
	ChunkID string
	Err     error
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("extraction output failed schema validation (chunk %s): %v", e.ChunkID, e.Err)
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }

// StorageUnavailableError indicates a storage backend could not serve the
// operation. Failed unit IDs are reported so the caller can re-submit them.
type StorageUnavailableError struct {
	Store string
	Err   error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable (%s): %v", e.Store, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// CapacityExceededError indicates a store reached its configured record
// limit. Data is never silently dropped; callers decide whether to resize
// or migrate.
type CapacityExceededError struct {
	Store string
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded (%s): limit %d", e.Store, e.Limit)
}

// IsTransient reports whether err is (or wraps) a TransientProviderError.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

// IsSchemaViolation reports whether err is (or wraps) a SchemaViolationError.
func IsSchemaViolation(err error) bool {
	var s *SchemaViolationError
	return errors.As(err, &s)
}
