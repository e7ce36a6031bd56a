// Package pg implements a Backend in a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"
	"sync"

	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// Backend is a Postgresql-based implementation of keeper.Backend.
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
  key BYTEA PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL,
  meta BYTEA NOT NULL
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

// Open connects to the Postgresql database described by conn
// and produces a Backend that disconnects when closed.
func Open(ctx context.Context, conn string) (*Backend, error) {
	db, err := sql.Open("postgres", conn)
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

	const q = `SELECT EXISTS (SELECT 1 FROM blobs WHERE key = $1)`

	var ok bool
	if err := b.db.QueryRowContext(ctx, q, key).Scan(&ok); err != nil {
		return false, &keeper.StorageError{Op: "query", Path: key.String(), Err: err}
	}
	return ok, nil
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
	if data == nil {
		data = []byte{}
	}
	if metaBytes == nil {
		metaBytes = []byte{}
	}

	const q = `INSERT INTO blobs (key, data, meta) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	if _, err := b.db.ExecContext(ctx, q, key, data, metaBytes); err != nil {
		return &keeper.StorageError{Op: "insert", Path: key.String(), Err: err}
	}
	return nil
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

// ListKeys produces all keys in the store, in lexical order.
func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	const q = `SELECT key FROM blobs WHERE key > $1 ORDER BY key`
	rows, err := b.db.QueryContext(ctx, q, start)
	if err != nil {
		return errors.Wrap(err, "querying starting position")
	}
	defer rows.Close()

	for rows.Next() {
		var key keeper.Key
		if err := rows.Scan(&key); err != nil {
			return errors.Wrap(err, "scanning query result")
		}
		if err := f(key); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterating over result rows")
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
	backend.Register("pg", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		return Open(ctx, conn)
	})
}
