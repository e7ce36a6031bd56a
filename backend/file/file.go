// Package file implements a Backend as a file hierarchy.
package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

const (
	dataDir      = "data"
	lockFile     = "lock"
	tempPrefix   = ".tmp-"
	defaultDepth = 2
)

// Backend is a file-based implementation of keeper.Backend.
//
// Each value lives in a single file named by its key's hex form,
// beneath data/ and zero or more shard directories named by prefixes of the key.
// The file holds a header with the value's metadata followed by its content.
//
// Files are written to a temporary name,
// synced to stable storage,
// and renamed into place.
// The rename is the only point at which a value becomes visible.
type Backend struct {
	fs     afero.Fs
	depth  int
	logger *zap.Logger

	lockPath string // cross-process commit lock, empty when fs is not the OS filesystem
	flocker  flock.Locker
	commitMu sync.Mutex

	mu     sync.RWMutex // protects closed
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithShardDepth sets the number of shard directory levels
// between data/ and each file.
// Level i is named by the first 2*i hex characters of the key.
// Use 0 to disable sharding. Defaults to 2.
func WithShardDepth(n int) Option {
	return func(b *Backend) {
		b.depth = n
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// New produces a Backend storing data beneath `root` on the OS filesystem,
// creating it if needed.
// Commits are serialized across processes sharing root
// with a lock on root/lock.
func New(root string, opts ...Option) (*Backend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &keeper.StorageError{Op: "mkdir", Path: root, Err: err}
	}
	b, err := NewFs(afero.NewBasePathFs(afero.NewOsFs(), root), opts...)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(root, lockFile)
	f, err := os.OpenFile(lockPath, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &keeper.StorageError{Op: "create", Path: lockPath, Err: err}
	}
	f.Close()
	b.lockPath = lockPath
	return b, nil
}

// NewFs produces a Backend storing data in fs.
// Commits are serialized only within the current process.
func NewFs(fs afero.Fs, opts ...Option) (*Backend, error) {
	b := &Backend{
		fs:     fs,
		depth:  defaultDepth,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.depth < 0 || 2*b.depth > 2*len(keeper.Zero) {
		return nil, errors.Errorf("invalid shard depth %d", b.depth)
	}
	if err := fs.MkdirAll(dataDir, 0755); err != nil {
		return nil, &keeper.StorageError{Op: "mkdir", Path: dataDir, Err: err}
	}
	return b, nil
}

func (b *Backend) keyPath(key keeper.Key) string {
	h := key.String()
	parts := make([]string, 0, b.depth+2)
	parts = append(parts, dataDir)
	for i := 1; i <= b.depth; i++ {
		parts = append(parts, h[:2*i])
	}
	parts = append(parts, h)
	return filepath.Join(parts...)
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
func (b *Backend) Has(_ context.Context, key keeper.Key) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	return b.exists(b.keyPath(key))
}

func (b *Backend) exists(path string) (bool, error) {
	_, err := b.fs.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &keeper.StorageError{Op: "stat", Path: path, Err: err}
	}
	return true, nil
}

// Get gets the value with key `key`.
func (b *Backend) Get(_ context.Context, key keeper.Key) (keeper.Value, error) {
	if err := b.checkOpen(); err != nil {
		return keeper.Value{}, err
	}

	path := b.keyPath(key)
	rec, err := afero.ReadFile(b.fs, path)
	if os.IsNotExist(err) {
		return keeper.Value{}, keeper.ErrNotFound
	}
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "read", Path: path, Err: err}
	}

	meta, data, err := decodeRecord(rec)
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "decode", Path: path, Err: err}
	}
	return keeper.Value{Key: key, Data: data, Meta: meta}, nil
}

// Put adds a value to the store if it wasn't already present.
func (b *Backend) Put(_ context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	path := b.keyPath(key)
	ok, err := b.exists(path)
	if err != nil {
		return err
	}
	if ok {
		b.logger.Debug("value already present", zap.Stringer("key", key))
		return nil
	}

	dir := filepath.Dir(path)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return &keeper.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	f, err := afero.TempFile(b.fs, dir, tempPrefix+"*")
	if err != nil {
		return &keeper.StorageError{Op: "create temp", Path: dir, Err: err}
	}
	tmpName := f.Name()

	err = func() error {
		defer f.Close()

		if err := writeHeader(f, meta); err != nil {
			return &keeper.StorageError{Op: "write", Path: tmpName, Err: err}
		}
		if _, err := f.Write(data); err != nil {
			return &keeper.StorageError{Op: "write", Path: tmpName, Err: err}
		}
		if err := f.Sync(); err != nil {
			return &keeper.StorageError{Op: "sync", Path: tmpName, Err: err}
		}
		if err := f.Close(); err != nil {
			return &keeper.StorageError{Op: "close", Path: tmpName, Err: err}
		}
		return nil
	}()
	if err != nil {
		b.removeTemp(tmpName)
		return err
	}

	return b.commit(tmpName, key)
}

// Commit moves the complete temporary file tmpName into place for key,
// unless a value for key is already present,
// in which case the temporary file is removed.
func (b *Backend) commit(tmpName string, key keeper.Key) error {
	path := b.keyPath(key)
	dir := filepath.Dir(path)

	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	if b.lockPath != "" {
		if err := b.flocker.Lock(b.lockPath); err != nil {
			b.removeTemp(tmpName)
			return &keeper.StorageError{Op: "lock", Path: b.lockPath, Err: err}
		}
		defer b.flocker.Unlock(b.lockPath)
	}

	ok, err := b.exists(path)
	if err != nil {
		b.removeTemp(tmpName)
		return err
	}
	if ok {
		b.logger.Debug("value committed concurrently", zap.Stringer("key", key))
		b.removeTemp(tmpName)
		return nil
	}

	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		b.removeTemp(tmpName)
		return &keeper.StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	if err := b.fs.Rename(tmpName, path); err != nil {
		b.removeTemp(tmpName)
		return &keeper.StorageError{Op: "rename", Path: path, Err: err}
	}
	b.syncDir(dir)

	b.logger.Debug("committed value", zap.Stringer("key", key), zap.String("path", path))
	return nil
}

func (b *Backend) removeTemp(name string) {
	if err := b.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("removing temporary file", zap.String("path", name), zap.Error(err))
	}
}

// Not every filesystem can sync a directory,
// so failure here is logged rather than returned.
func (b *Backend) syncDir(dir string) {
	d, err := b.fs.Open(dir)
	if err != nil {
		b.logger.Warn("opening directory for sync", zap.String("path", dir), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		b.logger.Warn("syncing directory", zap.String("path", dir), zap.Error(err))
	}
}

// OpenWrite opens a StreamHandle that writes straight to a temporary file
// and commits it when closed.
// The key is unknown until then,
// so the file starts out at the top of data/
// and is renamed into its shard directory on commit.
func (b *Backend) OpenWrite(_ context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	f, err := afero.TempFile(b.fs, dataDir, tempPrefix+"*")
	if err != nil {
		return nil, &keeper.StorageError{Op: "create temp", Path: dataDir, Err: err}
	}
	if err := writeHeader(f, meta); err != nil {
		f.Close()
		b.removeTemp(f.Name())
		return nil, &keeper.StorageError{Op: "write", Path: f.Name(), Err: err}
	}

	b.logger.Debug("opened stream", zap.String("path", f.Name()))
	return &streamWriter{b: b, f: f, hasher: keeper.NewHasher()}, nil
}

// ListKeys produces all keys in the store, in lexicographic order.
func (b *Backend) ListKeys(_ context.Context, start keeper.Key, f func(keeper.Key) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	startHex := start.String()

	return afero.Walk(b.fs, dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return &keeper.StorageError{Op: "walk", Path: path, Err: err}
		}
		name := info.Name()
		if info.IsDir() {
			if path == dataDir || start.IsZero() {
				return nil
			}
			// Shard directories sorting wholly before start can be skipped.
			if len(name) <= len(startHex) && name < startHex[:len(name)] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, tempPrefix) {
			return nil
		}
		key, err := keeper.KeyFromHex(name)
		if err != nil {
			return nil
		}
		if !start.Less(key) {
			return nil
		}
		return f(key)
	})
}

// Close marks b closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

func init() {
	backend.Register("file", func(_ context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		depth, err := backend.Int(conf, "depth", defaultDepth)
		if err != nil {
			return nil, err
		}
		return New(root, WithShardDepth(depth))
	})
}
