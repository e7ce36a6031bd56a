// Package writecache implements a Backend that accepts writes into memory
// and commits them to another Backend in the background.
package writecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

// DefaultQueueLen is the number of values that may await commit
// before Put blocks.
const DefaultQueueLen = 128

// Backend is a write-behind cache in front of another Backend.
//
// Put copies its input into a FIFO queue and returns.
// A single worker goroutine commits queued values to the inner backend
// in the order they were accepted.
// When the queue is full,
// Put blocks until the worker makes room.
//
// Values are readable through the Backend as soon as Put returns,
// whether or not they have been committed yet.
//
// Nothing is retried.
// A failed commit is reported,
// as a *keeper.CommitError,
// by the next Put, OpenWrite, stream Close, or Close.
//
// Close stops accepting writes and blocks until the queue is drained,
// then closes the inner backend.
type Backend struct {
	inner        keeper.Backend
	queueLen     int
	closeTimeout time.Duration
	logger       *zap.Logger
	reg          prometheus.Registerer
	metrics      *metrics

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []keeper.Value
	pending  map[keeper.Key]keeper.Value
	failed   []keeper.Key
	err      error
	closed   bool
	reported bool // outcome of Close already returned

	done     chan struct{} // closed when the worker exits
	innerErr error         // from inner.Close, valid once done is closed
}

// Option configures a Backend.
type Option func(*Backend)

// WithQueueLen sets the number of values that may await commit
// before Put blocks.
// Values less than 1 are treated as 1.
func WithQueueLen(n int) Option {
	return func(b *Backend) {
		if n < 1 {
			n = 1
		}
		b.queueLen = n
	}
}

// WithCloseTimeout bounds the time Close waits for the queue to drain.
// Zero, the default, means wait as long as it takes.
func WithCloseTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.closeTimeout = d
	}
}

// WithLogger sets the logger for commit activity.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithRegisterer registers the Backend's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Backend) {
		b.reg = reg
	}
}

// New produces a Backend that commits to inner
// and starts its worker goroutine.
// The Backend owns inner from now on
// and closes it when it is itself closed.
func New(inner keeper.Backend, opts ...Option) (*Backend, error) {
	b := &Backend{
		inner:    inner,
		queueLen: DefaultQueueLen,
		logger:   zap.NewNop(),
		pending:  make(map[keeper.Key]keeper.Value),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)

	b.metrics = newMetrics()
	if b.reg != nil {
		if err := b.metrics.register(b.reg); err != nil {
			return nil, errors.Wrap(err, "registering metrics")
		}
	}

	go b.run()

	return b, nil
}

func (b *Backend) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.notEmpty.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			break
		}
		// The head stays queued, and readable, until the commit finishes.
		val := b.queue[0]
		b.mu.Unlock()

		err := b.inner.Put(context.Background(), val.Key, val.Data, val.Meta)

		b.mu.Lock()
		b.queue[0] = keeper.Value{}
		b.queue = b.queue[1:]
		delete(b.pending, val.Key)
		if err != nil {
			b.failed = append(b.failed, val.Key)
			b.err = multierr.Append(b.err, errors.Wrapf(err, "committing %s", val.Key))
			b.metrics.failed.Inc()
			b.logger.Error("commit failed", zap.Stringer("key", val.Key), zap.Error(err))
		} else {
			b.metrics.committed.Inc()
			b.logger.Debug("committed", zap.Stringer("key", val.Key), zap.Int("size", len(val.Data)))
		}
		b.metrics.depth.Set(float64(len(b.queue)))
		b.notFull.Signal()
		b.mu.Unlock()
	}

	b.innerErr = b.inner.Close()
	b.logger.Debug("drained and closed")
}

// Caller must obtain a lock.
func (b *Backend) takeErr() error {
	if b.err == nil {
		return nil
	}
	err := &keeper.CommitError{Keys: b.failed, Err: b.err}
	b.failed, b.err = nil, nil
	return err
}

// Has tells whether a value for key is pending or present in the inner backend.
func (b *Backend) Has(ctx context.Context, key keeper.Key) (bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, keeper.ErrClosed
	}
	_, ok := b.pending[key]
	b.mu.Unlock()

	if ok {
		return true, nil
	}
	return b.inner.Has(ctx, key)
}

// Get gets the value with key `key`,
// from the queue if it is still pending.
func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return keeper.Value{}, keeper.ErrClosed
	}
	val, ok := b.pending[key]
	b.mu.Unlock()

	if ok {
		// The queued value is still to be committed, so hand out a copy.
		return keeper.Value{
			Key:  val.Key,
			Data: append([]byte{}, val.Data...),
			Meta: val.Meta.Clone(),
		}, nil
	}
	return b.inner.Get(ctx, key)
}

// Put queues a value for commit to the inner backend.
// It blocks while the queue is full.
// If an earlier commit has failed,
// Put returns that failure and queues nothing.
func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return keeper.ErrClosed
		}
		if err := b.takeErr(); err != nil {
			return err
		}
		if _, ok := b.pending[key]; ok {
			return nil
		}
		if len(b.queue) < b.queueLen {
			break
		}
		b.notFull.Wait()
	}

	val := keeper.Value{
		Key:  key,
		Data: append([]byte{}, data...),
		Meta: meta.Clone(),
	}
	b.queue = append(b.queue, val)
	b.pending[key] = val
	b.metrics.depth.Set(float64(len(b.queue)))
	b.notEmpty.Signal()

	return nil
}

// OpenWrite opens a StreamHandle that buffers its input
// and queues it when closed.
func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, keeper.ErrClosed
	}
	if err := b.takeErr(); err != nil {
		return nil, err
	}
	return keeper.NewBufferedWriter(meta, func(key keeper.Key, data []byte, meta keeper.Metadata) error {
		return b.Put(ctx, key, data, meta)
	}), nil
}

// ListKeys produces the union of pending keys and the inner backend's keys,
// in lexicographic order.
func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return keeper.ErrClosed
	}
	var pending []keeper.Key
	for key := range b.pending {
		if start.Less(key) {
			pending = append(pending, key)
		}
	}
	b.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })

	err := b.inner.ListKeys(ctx, start, func(key keeper.Key) error {
		for len(pending) > 0 && !key.Less(pending[0]) {
			if pending[0] != key {
				if err := f(pending[0]); err != nil {
					return err
				}
			}
			pending = pending[1:]
		}
		return f(key)
	})
	if err != nil {
		return err
	}

	for _, key := range pending {
		if err := f(key); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting writes,
// waits for every queued value to be committed,
// and closes the inner backend.
// It returns any commit failures not yet reported,
// combined with the inner backend's Close error.
//
// If a close timeout is set and the queue does not drain in time,
// Close returns ErrCloseTimeout.
// Draining continues in the background,
// and a later call to Close waits for it again.
func (b *Backend) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.logger.Debug("closing", zap.Int("pending", len(b.queue)))
		b.notEmpty.Broadcast()
		b.notFull.Broadcast()
	}
	b.mu.Unlock()

	if b.closeTimeout > 0 {
		timer := time.NewTimer(b.closeTimeout)
		defer timer.Stop()

		select {
		case <-b.done:
		case <-timer.C:
			return keeper.ErrCloseTimeout
		}
	} else {
		<-b.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reported {
		return nil
	}
	b.reported = true

	return multierr.Append(b.takeErr(), errors.Wrap(b.innerErr, "closing inner backend"))
}

func init() {
	backend.Register("writecache", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		inner, err := backend.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		queueLen, err := backend.Int(conf, "queuelen", DefaultQueueLen)
		if err != nil {
			return nil, err
		}
		closeTimeout, err := backend.Duration(conf, "closetimeout", 0)
		if err != nil {
			return nil, err
		}
		b, err := New(inner, WithQueueLen(queueLen), WithCloseTimeout(closeTimeout))
		if err != nil {
			return nil, multierr.Append(err, inner.Close())
		}
		return b, nil
	})
}
