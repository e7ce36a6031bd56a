// Package gcs implements a Backend on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/base64"
	stderrs "errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Backend is a Google Cloud Storage-based implementation of keeper.Backend.
//
// Each value is an object named by its key's hex form
// (after an optional prefix).
// Its metadata travels with it as an object attribute.
type Backend struct {
	bucket *storage.BucketHandle
	prefix string
	client *storage.Client // non-nil when owned by the Backend

	mu     sync.RWMutex
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix places every object the Backend writes beneath prefix,
// letting several Backends share one bucket.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// New produces a new Backend storing objects in bucket.
func New(bucket *storage.BucketHandle, opts ...Option) *Backend {
	b := &Backend{bucket: bucket}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const metaAttr = "keeper-meta"

func (b *Backend) objName(key keeper.Key) string {
	return b.prefix + "v/" + key.String()
}

func (b *Backend) keyFromObjName(name string) (keeper.Key, error) {
	return keeper.KeyFromHex(strings.TrimPrefix(name, b.prefix+"v/"))
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return keeper.ErrClosed
	}
	return nil
}

// Has tells whether b holds a value for key.
func (b *Backend) Has(ctx context.Context, key keeper.Key) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	name := b.objName(key)
	_, err := b.bucket.Object(name).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &keeper.StorageError{Op: "attrs", Path: name, Err: err}
	}
	return true, nil
}

// Get gets the value with key `key`.
func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	if err := b.checkOpen(); err != nil {
		return keeper.Value{}, err
	}

	name := b.objName(key)
	obj := b.bucket.Object(name)
	attrs, err := obj.Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return keeper.Value{}, keeper.ErrNotFound
	}
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "attrs", Path: name, Err: err}
	}

	metaBytes, err := base64.StdEncoding.DecodeString(attrs.Metadata[metaAttr])
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "decode", Path: name, Err: err}
	}
	meta, err := keeper.UnmarshalMetadata(metaBytes)
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "decode", Path: name, Err: err}
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "read", Path: name, Err: err}
	}
	defer r.Close()

	data := make([]byte, r.Attrs.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "read", Path: name, Err: err}
	}

	return keeper.Value{Key: key, Data: data, Meta: meta}, nil
}

// Put adds a value to the store if it wasn't already present.
// The object is created with a does-not-exist precondition,
// so concurrent writers cannot replace the first one's metadata.
func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	metaBytes, err := keeper.MarshalMetadata(meta)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}

	var (
		name = b.objName(key)
		obj  = b.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
		w    = obj.NewWriter(ctx)
	)
	w.Metadata = map[string]string{metaAttr: base64.StdEncoding.EncodeToString(metaBytes)}
	if mime := meta[keeper.MIMEAttr]; mime != "" {
		w.ContentType = mime
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return &keeper.StorageError{Op: "write", Path: name, Err: err}
	}
	err = w.Close()
	if isPreconditionFailed(err) {
		return nil
	}
	if err != nil {
		return &keeper.StorageError{Op: "write", Path: name, Err: err}
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

// OpenWrite opens a StreamHandle that buffers its input
// and writes an object when closed.
func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return keeper.NewBufferedWriter(meta, func(key keeper.Key, data []byte, meta keeper.Metadata) error {
		return b.Put(ctx, key, data, meta)
	}), nil
}

// ListKeys produces all keys in the store, in lexicographic order.
func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take (the hex encoding of) `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return b.listKeys(ctx, prefix, f)
	})
}

func (b *Backend) listKeys(ctx context.Context, prefix string, f func(keeper.Key) error) error {
	iter := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix + "v/" + prefix})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over objects")
		}
		key, err := b.keyFromObjName(attrs.Name)
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		if err := f(key); err != nil {
			return err
		}
	}
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			if err := f(prefix + string(hexdigit(c))); err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

// Close marks b closed,
// closing its storage client if b created it.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.client != nil {
		return errors.Wrap(b.client.Close(), "closing storage client")
	}
	return nil
}

func init() {
	backend.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		prefix, _ := conf["prefix"].(string)

		c, err := storage.NewClient(ctx, option.WithCredentialsFile(creds))
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		b := New(c.Bucket(bucketName), WithPrefix(prefix))
		b.client = c
		return b, nil
	})
}
