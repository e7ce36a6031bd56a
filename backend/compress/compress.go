// Package compress implements a Backend that compresses and uncompresses values
// on their way into and out of a nested Backend.
package compress

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Attr is the metadata attribute recording,
// in the nested Backend,
// which Compressor produced a stored value.
// Values stored without it are uncompressed.
// It is removed from metadata on the way out.
const Attr = "keeper.compression"

// Backend compresses values with a Compressor before storing them in a nested Backend.
// Keys are unchanged:
// each value is still stored under the digest of its uncompressed content.
// A value that does not get smaller is stored as is.
type Backend struct {
	b keeper.Backend
	c Compressor
}

// Compressor is a reversible transformation of byte slices.
type Compressor interface {
	// Name identifies the Compressor in stored metadata.
	Name() string
	Compress([]byte) []byte
	Uncompress([]byte) ([]byte, error)
}

// New produces a Backend storing values compressed by c in b.
func New(b keeper.Backend, c Compressor) *Backend {
	return &Backend{b: b, c: c}
}

func (b *Backend) Has(ctx context.Context, key keeper.Key) (bool, error) {
	return b.b.Has(ctx, key)
}

func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	val, err := b.b.Get(ctx, key)
	if err != nil {
		return keeper.Value{}, err
	}

	name, ok := val.Meta[Attr]
	if !ok {
		return val, nil
	}
	if name != b.c.Name() {
		return keeper.Value{}, fmt.Errorf("value %s compressed with %s, not %s", key, name, b.c.Name())
	}

	data, err := b.c.Uncompress(val.Data)
	if err != nil {
		return keeper.Value{}, errors.Wrapf(err, "uncompressing %s", key)
	}
	meta := val.Meta.Clone()
	delete(meta, Attr)

	return keeper.Value{Key: key, Data: data, Meta: meta}, nil
}

func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if _, ok := meta[Attr]; ok {
		return fmt.Errorf("metadata attribute %s is reserved", Attr)
	}

	compressed := b.c.Compress(data)
	if len(compressed) >= len(data) {
		return b.b.Put(ctx, key, data, meta)
	}

	meta = meta.Clone()
	meta[Attr] = b.c.Name()
	return errors.Wrap(b.b.Put(ctx, key, compressed, meta), "storing compressed value")
}

// OpenWrite opens a StreamHandle that buffers its input
// and compresses it when closed.
func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	// Probe for closure.
	if _, err := b.b.Has(ctx, keeper.Zero); err != nil {
		return nil, err
	}
	return keeper.NewBufferedWriter(meta, func(key keeper.Key, data []byte, meta keeper.Metadata) error {
		return b.Put(ctx, key, data, meta)
	}), nil
}

func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	return b.b.ListKeys(ctx, start, f)
}

func (b *Backend) Close() error {
	return b.b.Close()
}

func init() {
	backend.Register("compress", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		compressor, ok := conf["compressor"].(string)
		if !ok {
			compressor = "zstd"
		}

		var c Compressor
		switch compressor {
		case "zstd":
			z, err := NewZstd()
			if err != nil {
				return nil, err
			}
			c = z

		case "flate":
			level, err := backend.Int(conf, "level", -1)
			if err != nil {
				return nil, err
			}
			c = Flate{Level: level}

		default:
			return nil, fmt.Errorf(`unknown compressor "%s"`, compressor)
		}

		nested, err := backend.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, c), nil
	})
}
