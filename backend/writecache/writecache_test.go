package writecache

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
	"github.com/bobg/keeper/backend/file"
	"github.com/bobg/keeper/backend/mem"
	"github.com/bobg/keeper/testutil"
)

func TestBackend(t *testing.T) {
	testutil.Conformance(context.Background(), t, func(t *testing.T) keeper.Backend {
		b, err := New(mem.New(), WithQueueLen(4))
		if err != nil {
			t.Fatal(err)
		}
		return b
	})
}

// Every value accepted before Close is in the inner backend after it.
func TestDurability(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)

	inner, err := file.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(inner, WithQueueLen(4))
	if err != nil {
		t.Fatal(err)
	}

	var keys []keeper.Key
	for i := 0; i < 200; i++ {
		data := []byte(fmt.Sprintf("durable value %d", i))
		key := keeper.Digest(data)
		if err := b.Put(ctx, key, data, keeper.Metadata{"n": fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := file.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	for i, key := range keys {
		val, err := reopened.Get(ctx, key)
		if err != nil {
			t.Fatalf("getting value %d: %s", i, err)
		}
		if want := fmt.Sprintf("durable value %d", i); string(val.Bytes()) != want {
			t.Errorf("got %q, want %q", val.Bytes(), want)
		}
		if got := val.Meta["n"]; got != fmt.Sprint(i) {
			t.Errorf("value %d has metadata n=%s", i, got)
		}
	}
}

func TestConcurrentWriters(t *testing.T) {
	const (
		writers = 8
		each    = 50
	)

	var (
		ctx   = context.Background()
		inner = newRecorder()
	)
	b, err := New(inner, WithQueueLen(8))
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < each; i++ {
				data := []byte(fmt.Sprintf("writer %d value %d", w, i))
				if err := b.Put(ctx, keeper.Digest(data), data, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if n := len(inner.values); n != writers*each {
		t.Fatalf("got %d values, want %d", n, writers*each)
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < each; i++ {
			data := []byte(fmt.Sprintf("writer %d value %d", w, i))
			val, ok := inner.values[keeper.Digest(data)]
			if !ok {
				t.Fatalf("writer %d value %d missing", w, i)
			}
			if !bytes.Equal(val.Data, data) {
				t.Errorf("got %q, want %q", val.Data, data)
			}
		}
	}
}

func TestOrder(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
	)
	b, err := New(inner, WithQueueLen(3))
	if err != nil {
		t.Fatal(err)
	}

	var want []keeper.Key
	for i := 0; i < 100; i++ {
		data := []byte(fmt.Sprintf("value %d", i))
		key := keeper.Digest(data)
		if err := b.Put(ctx, key, data, nil); err != nil {
			t.Fatal(err)
		}
		want = append(want, key)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, inner.order); diff != "" {
		t.Errorf("commit order mismatch (-want +got):\n%s", diff)
	}
}

func TestReadYourWrites(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		data  = []byte("pending")
		key   = keeper.Digest(data)
	)
	inner.block = make(chan struct{})

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, key, data, keeper.Metadata{"mime": "text/plain"}); err != nil {
		t.Fatal(err)
	}
	// A second write of pending content keeps the first metadata.
	if err := b.Put(ctx, key, data, keeper.Metadata{"mime": "text/html"}); err != nil {
		t.Fatal(err)
	}

	has, err := b.Has(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("pending value not visible to Has")
	}

	val, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(val.Bytes(), data) {
		t.Errorf("got %q, want %q", val.Bytes(), data)
	}
	if val.MIME() != "text/plain" {
		t.Errorf("got MIME type %s, want text/plain", val.MIME())
	}

	var keys []keeper.Key
	err = b.ListKeys(ctx, keeper.Zero, func(k keeper.Key) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]keeper.Key{key}, keys); diff != "" {
		t.Errorf("ListKeys mismatch (-want +got):\n%s", diff)
	}

	close(inner.block)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if n := len(inner.order); n != 1 {
		t.Errorf("inner backend got %d writes, want 1", n)
	}
	if got := inner.values[key].MIME(); got != "text/plain" {
		t.Errorf("committed MIME type %s, want text/plain", got)
	}
}

func TestListKeysMerge(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		want  []keeper.Key
	)

	for i := 0; i < 20; i++ {
		data := []byte(fmt.Sprintf("committed %d", i))
		key := keeper.Digest(data)
		if err := inner.Put(ctx, key, data, nil); err != nil {
			t.Fatal(err)
		}
		want = append(want, key)
	}

	inner.block = make(chan struct{})
	b, err := New(inner, WithQueueLen(30))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		data := []byte(fmt.Sprintf("pending %d", i))
		key := keeper.Digest(data)
		if err := b.Put(ctx, key, data, nil); err != nil {
			t.Fatal(err)
		}
		want = append(want, key)
	}

	sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

	var got []keeper.Key
	err = b.ListKeys(ctx, keeper.Zero, func(key keeper.Key) error {
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	close(inner.block)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBackpressure(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
	)
	inner.block = make(chan struct{})

	b, err := New(inner, WithQueueLen(2))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		data := []byte(fmt.Sprintf("value %d", i))
		if err := b.Put(ctx, keeper.Digest(data), data, nil); err != nil {
			t.Fatal(err)
		}
	}

	var (
		data    = []byte("one too many")
		putDone = make(chan error, 1)
	)
	go func() {
		putDone <- b.Put(ctx, keeper.Digest(data), data, nil)
	}()

	select {
	case err := <-putDone:
		t.Fatalf("Put returned (with error %v) while the queue was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(inner.block)

	select {
	case err := <-putDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Put still blocked after the queue drained")
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(inner.values); n != 3 {
		t.Errorf("got %d values, want 3", n)
	}
}

func TestCommitFailure(t *testing.T) {
	var (
		ctx    = context.Background()
		inner  = newRecorder()
		bad    = []byte("refused")
		badKey = keeper.Digest(bad)
		boom   = errors.New("boom")
	)
	inner.fail = func(key keeper.Key) error {
		if key == badKey {
			return boom
		}
		return nil
	}

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, badKey, bad, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return promtest.ToFloat64(b.metrics.failed) == 1 })

	next := []byte("after the failure")
	err = b.Put(ctx, keeper.Digest(next), next, nil)

	var cerr *keeper.CommitError
	if !errors.As(err, &cerr) {
		t.Fatalf("got error %v, want a CommitError", err)
	}
	if diff := cmp.Diff([]keeper.Key{badKey}, cerr.Keys); diff != "" {
		t.Errorf("failed keys mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(err, boom) {
		t.Errorf("got error %v, want it to wrap %v", err, boom)
	}

	// The failure is reported once.
	if err := b.Put(ctx, keeper.Digest(next), next, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if n := len(inner.order); n != 1 {
		t.Errorf("inner backend got %d writes, want 1", n)
	}
	if _, ok := inner.values[keeper.Digest(next)]; !ok {
		t.Error("value written after the failure was not committed")
	}
}

func TestCommitFailureAtClose(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		boom  = errors.New("boom")
		data  = []byte("refused")
		key   = keeper.Digest(data)
	)
	inner.fail = func(keeper.Key) error { return boom }

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, key, data, nil); err != nil {
		t.Fatal(err)
	}

	err = b.Close()
	var cerr *keeper.CommitError
	if !errors.As(err, &cerr) {
		t.Fatalf("got error %v, want a CommitError", err)
	}
	if diff := cmp.Diff([]keeper.Key{key}, cerr.Keys); diff != "" {
		t.Errorf("failed keys mismatch (-want +got):\n%s", diff)
	}
	if !inner.closed {
		t.Error("inner backend not closed")
	}

	if err := b.Close(); err != nil {
		t.Errorf("second Close: %s", err)
	}
}

func TestCommitFailureAtOpenWrite(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		boom  = errors.New("boom")
		bad   = []byte("refused")
	)
	inner.fail = func(keeper.Key) error { return boom }

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.Put(ctx, keeper.Digest(bad), bad, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return promtest.ToFloat64(b.metrics.failed) == 1 })

	_, err = b.OpenWrite(ctx, nil)
	var cerr *keeper.CommitError
	if !errors.As(err, &cerr) {
		t.Fatalf("got error %v, want a CommitError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("got error %v, want it to wrap %v", err, boom)
	}

	w, err := b.OpenWrite(ctx, nil)
	if err != nil {
		t.Fatalf("second OpenWrite: %s", err)
	}
	w.Discard()
}

func TestCommitFailureAtStreamClose(t *testing.T) {
	var (
		ctx    = context.Background()
		inner  = newRecorder()
		boom   = errors.New("boom")
		bad    = []byte("refused")
		badKey = keeper.Digest(bad)
		data   = []byte("streamed while the failure happened")
	)
	inner.fail = func(key keeper.Key) error {
		if key == badKey {
			return boom
		}
		return nil
	}

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}

	w, err := b.OpenWrite(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Discard()
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, badKey, bad, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return promtest.ToFloat64(b.metrics.failed) == 1 })

	err = w.Close()
	var cerr *keeper.CommitError
	if !errors.As(err, &cerr) {
		t.Fatalf("got error %v, want a CommitError", err)
	}
	if diff := cmp.Diff([]keeper.Key{badKey}, cerr.Keys); diff != "" {
		t.Errorf("failed keys mismatch (-want +got):\n%s", diff)
	}
	if _, err2 := w.Key(); err2 != err {
		t.Errorf("got error %v from Key, want %v", err2, err)
	}

	has, err := b.Has(ctx, keeper.Digest(data))
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("stream value was queued despite the reported failure")
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := inner.values[keeper.Digest(data)]; ok {
		t.Error("stream value was committed despite the reported failure")
	}
}

func TestGetCopiesPending(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		data  = []byte("original")
		key   = keeper.Digest(data)
	)
	inner.block = make(chan struct{})

	b, err := New(inner)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, key, data, keeper.Metadata{"tag": "first"}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	copy(got.Data, "XXXXXXXX")
	got.Meta["tag"] = "mutated"

	close(inner.block)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	committed, ok := inner.values[key]
	if !ok {
		t.Fatal("value not committed")
	}
	if keeper.Digest(committed.Data) != key {
		t.Errorf("committed content %q does not match its key", committed.Data)
	}
	if tag := committed.Meta["tag"]; tag != "first" {
		t.Errorf("got tag %q, want first", tag)
	}
}

func TestCloseTimeout(t *testing.T) {
	var (
		ctx   = context.Background()
		inner = newRecorder()
		data  = []byte("slow")
	)
	inner.block = make(chan struct{})

	b, err := New(inner, WithCloseTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, keeper.Digest(data), data, nil); err != nil {
		t.Fatal(err)
	}

	if err := b.Close(); !errors.Is(err, keeper.ErrCloseTimeout) {
		t.Fatalf("got error %v, want %v", err, keeper.ErrCloseTimeout)
	}
	if err := b.Put(ctx, keeper.Digest(nil), nil, nil); !errors.Is(err, keeper.ErrClosed) {
		t.Errorf("got error %v from Put after Close, want %v", err, keeper.ErrClosed)
	}

	close(inner.block)
	waitFor(t, func() bool {
		inner.mu.Lock()
		defer inner.mu.Unlock()
		return inner.closed
	})

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := inner.values[keeper.Digest(data)]; !ok {
		t.Error("value accepted before Close was not committed")
	}
}

func TestMetrics(t *testing.T) {
	var (
		ctx = context.Background()
		reg = prometheus.NewRegistry()
	)

	b, err := New(newRecorder(), WithRegisterer(reg))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		data := []byte(fmt.Sprintf("value %d", i))
		if err := b.Put(ctx, keeper.Digest(data), data, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if got := promtest.ToFloat64(b.metrics.committed); got != 10 {
		t.Errorf("got %v commits, want 10", got)
	}
	if got := promtest.ToFloat64(b.metrics.failed); got != 0 {
		t.Errorf("got %v failures, want 0", got)
	}
	if got := promtest.ToFloat64(b.metrics.depth); got != 0 {
		t.Errorf("got queue depth %v, want 0", got)
	}

	n, err := promtest.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d metrics, want 3", n)
	}

	// A second Backend cannot register the same collectors.
	if _, err := New(newRecorder(), WithRegisterer(reg)); err == nil {
		t.Error("got no error registering duplicate metrics")
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	b, err := backend.Create(ctx, "writecache", map[string]interface{}{
		"nested":       map[string]interface{}{"type": "mem"},
		"queuelen":     4,
		"closetimeout": "1s",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	wc, ok := b.(*Backend)
	if !ok {
		t.Fatalf("got %T, want *Backend", b)
	}
	if wc.queueLen != 4 {
		t.Errorf("got queue length %d, want 4", wc.queueLen)
	}
	if wc.closeTimeout != time.Second {
		t.Errorf("got close timeout %s, want 1s", wc.closeTimeout)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

// recorder is a Backend that remembers the order of its writes,
// keeps its contents after Close,
// and can be made to stall or fail.
type recorder struct {
	block chan struct{}          // when non-nil, Put waits for it to close
	fail  func(keeper.Key) error // when non-nil, decides Put's outcome

	mu     sync.Mutex
	values map[keeper.Key]keeper.Value
	order  []keeper.Key
	closed bool
}

var _ keeper.Backend = &recorder{}

func newRecorder() *recorder {
	return &recorder{values: make(map[keeper.Key]keeper.Value)}
}

func (r *recorder) Has(_ context.Context, key keeper.Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.values[key]
	return ok, nil
}

func (r *recorder) Get(_ context.Context, key keeper.Key) (keeper.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if val, ok := r.values[key]; ok {
		return val, nil
	}
	return keeper.Value{}, keeper.ErrNotFound
}

func (r *recorder) Put(_ context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	if r.block != nil {
		<-r.block
	}
	if r.fail != nil {
		if err := r.fail(key); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return keeper.ErrClosed
	}
	r.order = append(r.order, key)
	if _, ok := r.values[key]; !ok {
		r.values[key] = keeper.Value{Key: key, Data: append([]byte{}, data...), Meta: meta.Clone()}
	}
	return nil
}

func (r *recorder) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	return keeper.NewBufferedWriter(meta, func(key keeper.Key, data []byte, meta keeper.Metadata) error {
		return r.Put(ctx, key, data, meta)
	}), nil
}

func (r *recorder) ListKeys(_ context.Context, start keeper.Key, f func(keeper.Key) error) error {
	r.mu.Lock()
	var keys []keeper.Key
	for key := range r.values {
		if start.Less(key) {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, key := range keys {
		if err := f(key); err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
