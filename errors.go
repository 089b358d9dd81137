package pagecache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a cache entry does not exist or has expired.
var ErrNotFound = errors.New("pagecache: not found")

// StorageError indicates the cache medium is unreadable or unwritable.
// Callers on the serving path must treat it as non-fatal and fall back to
// fresh generation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError indicates a malformed flush, warm, or batch request.
// No partial effect may have occurred.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Msg
}

// AuthorizationError indicates the caller lacks the required capability.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}

// ResourceExhaustedError indicates a batch exceeded a configured limit.
// The whole batch is rejected atomically.
type ResourceExhaustedError struct {
	Limit     int
	Requested int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("batch of %d exceeds limit of %d", e.Requested, e.Limit)
}

// GenerationError wraps a failure of the host's page-generation callback.
// It propagates to the host's error path and is never cached.
type GenerationError struct {
	URL string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating %s: %v", e.URL, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
