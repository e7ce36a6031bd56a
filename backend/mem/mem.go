// Package mem implements an in-memory Backend.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Backend is a memory-based implementation of keeper.Backend.
type Backend struct {
	mu     sync.Mutex
	values map[keeper.Key]keeper.Value
	closed bool
}

// New produces a new Backend.
func New() *Backend {
	return &Backend{
		values: make(map[keeper.Key]keeper.Value),
	}
}

// Has tells whether b holds a value for key.
func (b *Backend) Has(_ context.Context, key keeper.Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, keeper.ErrClosed
	}
	_, ok := b.values[key]
	return ok, nil
}

// Get gets the value with key `key`.
func (b *Backend) Get(_ context.Context, key keeper.Key) (keeper.Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return keeper.Value{}, keeper.ErrClosed
	}
	if v, ok := b.values[key]; ok {
		return v, nil
	}
	return keeper.Value{}, keeper.ErrNotFound
}

// Put adds a value to the store if it wasn't already present.
func (b *Backend) Put(_ context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return keeper.ErrClosed
	}
	b.put(key, data, meta)
	return nil
}

// Caller must obtain a lock.
func (b *Backend) put(key keeper.Key, data []byte, meta keeper.Metadata) {
	if _, ok := b.values[key]; ok {
		return
	}
	b.values[key] = keeper.Value{
		Key:  key,
		Data: append([]byte{}, data...),
		Meta: meta.Clone(),
	}
}

// OpenWrite opens a StreamHandle that buffers its input
// and stores it in b when closed.
func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, keeper.ErrClosed
	}
	return keeper.NewBufferedWriter(meta, func(key keeper.Key, data []byte, meta keeper.Metadata) error {
		return b.Put(ctx, key, data, meta)
	}), nil
}

// ListKeys produces all keys in the store, in lexicographic order.
func (b *Backend) ListKeys(_ context.Context, start keeper.Key, f func(keeper.Key) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return keeper.ErrClosed
	}
	keys := make([]keeper.Key, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	index := sort.Search(len(keys), func(n int) bool {
		return start.Less(keys[n])
	})

	for i := index; i < len(keys); i++ {
		err := f(keys[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// Close marks b closed.
// Its contents are discarded.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.values = nil
	return nil
}

func init() {
	backend.Register("mem", func(context.Context, map[string]interface{}) (keeper.Backend, error) {
		return New(), nil
	})
}
