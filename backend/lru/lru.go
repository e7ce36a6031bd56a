// Package lru implements a Backend that acts as a least-recently-used read cache for a nested Backend.
package lru

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Backend implements a memory-based least-recently-used cache for another Backend.
// Values are cached as they are read.
// Writes pass through to the nested Backend uncached,
// since a write of content already present there does not change what a read returns.
type Backend struct {
	c *lru.Cache // Key->Value
	b keeper.Backend

	mu     sync.RWMutex
	closed bool
}

// New produces a new Backend wrapping `b` and caching up to `size` values.
func New(b keeper.Backend, size int) (*Backend, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating cache")
	}
	return &Backend{b: b, c: c}, nil
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return keeper.ErrClosed
	}
	return nil
}

// Has tells whether the value for key is cached or in the nested Backend.
func (b *Backend) Has(ctx context.Context, key keeper.Key) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	if b.c.Contains(key) {
		return true, nil
	}
	return b.b.Has(ctx, key)
}

// Get gets the value with key `key`.
func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	if err := b.checkOpen(); err != nil {
		return keeper.Value{}, err
	}
	if got, ok := b.c.Get(key); ok {
		return got.(keeper.Value), nil
	}
	val, err := b.b.Get(ctx, key)
	if err != nil {
		return keeper.Value{}, err
	}
	b.c.Add(key, val)
	return val, nil
}

// Put adds a value to the nested Backend.
func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.b.Put(ctx, key, data, meta)
}

// OpenWrite opens a StreamHandle on the nested Backend.
func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.b.OpenWrite(ctx, meta)
}

// ListKeys produces all keys in the nested Backend, in lexicographic order.
func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.b.ListKeys(ctx, start, f)
}

// Close empties the cache and closes the nested Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.c.Purge()
	return b.b.Close()
}

func init() {
	backend.Register("lru", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		size, err := backend.Int(conf, "size", 0)
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			return nil, errors.New(`missing or invalid "size" parameter`)
		}
		nested, err := backend.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
