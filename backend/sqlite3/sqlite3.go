// Package sqlite3 implements a Backend in a Sqlite database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"
	"sync"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Backend is a Sqlite-based implementation of keeper.Backend.
type Backend struct {
	db    *sql.DB
	ownDB bool

	mu     sync.RWMutex
	closed bool
}

// Schema is the SQL that New executes.
// It creates the `blobs` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  key BLOB PRIMARY KEY NOT NULL,
  data BLOB NOT NULL,
  meta BLOB NOT NULL
);
`

// New produces a new Backend using `db` for storage.
// It expects to create table `blobs`,
// or for that table already to exist with the correct schema.
// (See constant Schema.)
// The caller remains responsible for closing db.
func New(ctx context.Context, db *sql.DB) (*Backend, error) {
	_, err := db.ExecContext(ctx, Schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}
	return &Backend{db: db}, nil
}

// Open opens the Sqlite database named by conn
// and produces a Backend that closes it when closed.
func Open(ctx context.Context, conn string) (*Backend, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	b, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownDB = true
	return b, nil
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

	const q = `SELECT COUNT(*) FROM blobs WHERE key = $1`

	var n int
	if err := b.db.QueryRowContext(ctx, q, key).Scan(&n); err != nil {
		return false, &keeper.StorageError{Op: "query", Path: key.String(), Err: err}
	}
	return n > 0, nil
}

// Get gets the value with key `key`.
func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	if err := b.checkOpen(); err != nil {
		return keeper.Value{}, err
	}

	const q = `SELECT data, meta FROM blobs WHERE key = $1`

	var data, metaBytes []byte
	err := b.db.QueryRowContext(ctx, q, key).Scan(&data, &metaBytes)
	if stderrs.Is(err, sql.ErrNoRows) {
		return keeper.Value{}, keeper.ErrNotFound
	}
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "query", Path: key.String(), Err: err}
	}

	meta, err := keeper.UnmarshalMetadata(metaBytes)
	if err != nil {
		return keeper.Value{}, &keeper.StorageError{Op: "decode", Path: key.String(), Err: err}
	}
	return keeper.Value{Key: key, Data: data, Meta: meta}, nil
}

// Put adds a value to the store if it wasn't already present.
func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	metaBytes, err := keeper.MarshalMetadata(meta)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}

	const q = `INSERT INTO blobs (key, data, meta) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	_, err = b.db.ExecContext(ctx, q, key, nonNil(data), nonNil(metaBytes))
	if err != nil {
		return &keeper.StorageError{Op: "insert", Path: key.String(), Err: err}
	}
	return nil
}

// A nil slice would be stored as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// OpenWrite opens a StreamHandle that buffers its input
// and inserts it when closed.
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

	const q = `SELECT key FROM blobs WHERE key > $1 ORDER BY key`
	return sqlutil.ForQueryRows(ctx, b.db, q, start, f)
}

// Close marks b closed,
// closing its database if b opened it.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownDB {
		return errors.Wrap(b.db.Close(), "closing db")
	}
	return nil
}

func init() {
	backend.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		return Open(ctx, conn)
	})
}
