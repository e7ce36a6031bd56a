package keeper

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is the error returned
	// when a Backend is asked for a key it does not have.
	ErrNotFound = errors.New("not found")

	// ErrClosed is the error returned by operations
	// on a Store, Backend, or StreamHandle that has been closed.
	ErrClosed = errors.New("closed")

	// ErrStreamOpen is the error returned by StreamHandle.Key
	// before the handle has been closed.
	ErrStreamOpen = errors.New("stream not yet closed")

	// ErrCloseTimeout is the error returned by Close
	// when pending writes could not be committed in the allotted time.
	// They continue to be committed in the background.
	ErrCloseTimeout = errors.New("timed out waiting for pending writes")
)

// StorageError is an I/O failure in an underlying storage medium.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage error in %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("storage error in %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CommitError reports that one or more writes accepted earlier
// could not be committed to the backend they were destined for.
// It is returned from a later operation,
// since the writes' own callers have already returned.
type CommitError struct {
	Keys []Key
	Err  error
}

func (e *CommitError) Error() string {
	if len(e.Keys) == 1 {
		return fmt.Sprintf("deferred commit of %s failed: %s", e.Keys[0], e.Err)
	}
	return fmt.Sprintf("deferred commit of %d values failed: %s", len(e.Keys), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
