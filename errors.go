package fastbu

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("cache is closed")
)

// StorageError wraps a failed disk operation with the operation name and the
// key it was serving. Callers unwrap to reach the underlying I/O error.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func newStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}
