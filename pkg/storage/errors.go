package storage

import (
	"errors"
	"fmt"
)

// ErrConcurrentUpdate reports a transient conflict between two writers of
// the same key. Backends retry a bounded number of times internally before
// surfacing it.
var ErrConcurrentUpdate = errors.New("storage: concurrent update")

// ErrResetNotSupported is returned by backends that cannot enumerate their
// keys (memcached).
var ErrResetNotSupported = errors.New("storage: reset not supported")

// StorageError wraps an error raised by the underlying client library so
// callers do not have to depend on backend-specific error types. Backends
// only produce it when constructed with error wrapping enabled; otherwise
// the native error propagates unchanged.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrapError applies the opt-in StorageError wrapping.
func wrapError(err error, wrap bool) error {
	if err == nil || !wrap {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Err: err}
}
