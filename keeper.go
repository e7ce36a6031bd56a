package keeper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/text/transform"
)

// Store is the entry point for adding values to a Backend and retrieving them.
// It is safe for concurrent use.
type Store struct {
	b Backend

	mu     sync.RWMutex // protects closed
	closed bool
}

// New produces a Store writing to and reading from b.
// The Store owns b: closing the Store closes b.
func New(b Backend) *Store {
	return &Store{b: b}
}

// With runs f on a Store wrapping b
// and closes the Store afterwards whether or not f fails.
// Closing may block while b drains pending writes.
// The result combines f's error with the error from closing.
func With(b Backend, f func(*Store) error) (err error) {
	s := New(b)
	defer func() {
		err = multierr.Append(err, s.Close())
	}()
	return f(s)
}

// Backend returns the Backend underlying s.
func (s *Store) Backend() Backend { return s.b }

func (s *Store) backend() (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.b, nil
}

// Add stores data with the given metadata and returns its key.
// Adding the same data again returns the same key
// and leaves the metadata of the first addition in place.
func (s *Store) Add(ctx context.Context, data []byte, meta Metadata) (Key, error) {
	b, err := s.backend()
	if err != nil {
		return Zero, err
	}
	key := Digest(data)
	if err := b.Put(ctx, key, data, meta); err != nil {
		return Zero, errors.Wrapf(err, "storing %s", key)
	}
	return key, nil
}

// AddString stores the text str.
// It is encoded with the text encoding named by the "encoding" attribute of meta;
// if there is none, it is stored as UTF-8 and the attribute is set accordingly.
func (s *Store) AddString(ctx context.Context, str string, meta Metadata) (Key, error) {
	meta = meta.Clone()
	if meta[EncodingAttr] == "" {
		meta[EncodingAttr] = "utf-8"
	}
	data, err := encodeString(str, meta[EncodingAttr])
	if err != nil {
		return Zero, err
	}
	return s.Add(ctx, data, meta)
}

// AddStream opens a StreamHandle for writing a value incrementally.
// The handle's key is available once it is closed.
// Callers should defer the handle's Discard method
// so that an abandoned handle releases its resources.
func (s *Store) AddStream(ctx context.Context, meta Metadata) (StreamHandle, error) {
	b, err := s.backend()
	if err != nil {
		return nil, err
	}
	w, err := b.OpenWrite(ctx, meta)
	return w, errors.Wrap(err, "opening stream")
}

// AddTextStream is like AddStream, but for text.
// Writes to the handle are UTF-8,
// encoded on the way in as AddString does.
// The handle's key is the digest of the encoded bytes.
func (s *Store) AddTextStream(ctx context.Context, meta Metadata) (StreamHandle, error) {
	meta = meta.Clone()
	if meta[EncodingAttr] == "" {
		meta[EncodingAttr] = "utf-8"
	}
	enc, err := lookupEncoding(meta[EncodingAttr])
	if err != nil {
		return nil, err
	}
	h, err := s.AddStream(ctx, meta)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return h, nil
	}
	return &textStream{StreamHandle: h, w: transform.NewWriter(h, enc.NewEncoder())}, nil
}

type textStream struct {
	StreamHandle
	w   *transform.Writer
	err error // from a failed flush
}

func (t *textStream) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

func (t *textStream) Close() error {
	if t.err != nil {
		return t.err
	}
	if err := t.w.Close(); err != nil {
		t.StreamHandle.Discard()
		t.err = errors.Wrap(err, "encoding text")
		return t.err
	}
	return t.StreamHandle.Close()
}

func (t *textStream) Key() (Key, error) {
	if t.err != nil {
		return Zero, t.err
	}
	return t.StreamHandle.Key()
}

// Get retrieves the value with the given key.
// It returns ErrNotFound if there is none.
func (s *Store) Get(ctx context.Context, key Key) (Value, error) {
	b, err := s.backend()
	if err != nil {
		return Value{}, err
	}
	return b.Get(ctx, key)
}

// Has tells whether s holds a value with the given key.
func (s *Store) Has(ctx context.Context, key Key) (bool, error) {
	b, err := s.backend()
	if err != nil {
		return false, err
	}
	return b.Has(ctx, key)
}

// Keys calls f for every key in s, in lexicographic order.
func (s *Store) Keys(ctx context.Context, f func(Key) error) error {
	b, err := s.backend()
	if err != nil {
		return err
	}
	return b.ListKeys(ctx, Zero, f)
}

// Len counts the values in s.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.Keys(ctx, func(Key) error {
		n++
		return nil
	})
	return n, err
}

// Close closes s and its Backend.
// Closing an already-closed Store does nothing.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.b.Close()
}
