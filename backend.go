package keeper

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Getter is the read-only part of a Backend.
type Getter interface {
	// Has tells whether the backend holds a value for the given key.
	Has(context.Context, Key) (bool, error)

	// Get gets a value by its key.
	// It returns ErrNotFound if there is none.
	Get(context.Context, Key) (Value, error)

	// ListKeys calls a function for each key in the backend in lexicographic order,
	// beginning with the first key _after_ the specified one.
	//
	// The calls reflect at least the set of keys
	// known at the moment ListKeys was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListKeys,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListKeys exits with that error.
	ListKeys(context.Context, Key, func(Key) error) error
}

// Backend is a storage implementation for a Store.
// Implementations must be safe for concurrent use.
type Backend interface {
	Getter

	// Put stores data and its metadata under key,
	// which must be the Digest of data.
	// If a value for key is already present,
	// Put is a silent no-op:
	// the metadata of the first successful write for a key is authoritative.
	Put(ctx context.Context, key Key, data []byte, meta Metadata) error

	// OpenWrite opens a StreamHandle for writing a value incrementally.
	// The value's key is known, and the value stored, once the handle is closed.
	OpenWrite(context.Context, Metadata) (StreamHandle, error)

	// Close releases the backend's resources.
	// Operations after Close fail with ErrClosed.
	Close() error
}

// StreamHandle is an open write session for a single value.
type StreamHandle interface {
	io.Writer

	// Close finalizes the value's digest and commits it.
	// Closing an already-closed handle does nothing
	// and returns the first Close's error, if any.
	Close() error

	// Key returns the key of the written value.
	// It returns ErrStreamOpen until the handle is closed,
	// and the Close error if committing failed.
	Key() (Key, error)

	// Discard abandons the handle without storing anything.
	// It is safe to call after Close, in which case it does nothing,
	// so it may be deferred.
	Discard() error
}

// CommitFunc stores a completed value on behalf of a BufferedWriter.
type CommitFunc func(key Key, data []byte, meta Metadata) error

// NewBufferedWriter produces a StreamHandle that accumulates its input in memory
// and hands the completed value to commit when closed.
// It suits backends with no native streaming.
func NewBufferedWriter(meta Metadata, commit CommitFunc) StreamHandle {
	return &bufferedWriter{
		meta:   meta.Clone(),
		hasher: NewHasher(),
		commit: commit,
	}
}

type bufferedWriter struct {
	meta   Metadata
	hasher *Hasher
	commit CommitFunc

	mu     sync.Mutex
	buf    bytes.Buffer
	key    Key
	closed bool
	done   bool  // closed successfully
	err    error // from a failed Close
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	w.hasher.Write(p)
	return w.buf.Write(p)
}

func (w *bufferedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.err
	}
	w.closed = true

	key := w.hasher.Sum()
	if err := w.commit(key, w.buf.Bytes(), w.meta); err != nil {
		w.err = err
		return err
	}
	w.key, w.done = key, true
	return nil
}

func (w *bufferedWriter) Key() (Key, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return Zero, w.err
	}
	if !w.done {
		return Zero, ErrStreamOpen
	}
	return w.key, nil
}

func (w *bufferedWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	w.buf.Reset()
	return nil
}
