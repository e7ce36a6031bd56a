package testutil

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"

	"github.com/bobg/keeper"
)

// Factory produces a fresh, empty Backend for a test.
type Factory func(*testing.T) keeper.Backend

// Conformance runs the behaviors every keeper.Backend must exhibit
// against Backends produced by factory.
func Conformance(ctx context.Context, t *testing.T, factory Factory) {
	run := func(name string, f func(*testing.T, keeper.Backend)) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()
			f(t, b)
		})
	}

	run("round_trip", func(t *testing.T, b keeper.Backend) {
		RoundTrip(ctx, t, b)
	})
	run("first_write_wins", func(t *testing.T, b keeper.Backend) {
		FirstWriteWins(ctx, t, b)
	})
	run("not_found", func(t *testing.T, b keeper.Backend) {
		NotFound(ctx, t, b)
	})
	run("empty", func(t *testing.T, b keeper.Backend) {
		Empty(ctx, t, b)
	})
	run("stream", func(t *testing.T, b keeper.Backend) {
		Stream(ctx, t, b)
	})
	run("read_write", func(t *testing.T, b keeper.Backend) {
		data := make([]byte, 1<<20)
		rand.New(rand.NewSource(1)).Read(data)
		ReadWrite(ctx, t, b, data, 4096+17)
	})
	t.Run("all_keys", func(t *testing.T) {
		AllKeys(ctx, t, func() keeper.Backend { return factory(t) })
	})
	t.Run("closed", func(t *testing.T) {
		Closed(ctx, t, factory(t))
	})
	t.Run("stream_after_close", func(t *testing.T) {
		StreamAfterClose(ctx, t, factory(t))
	})
}

// RoundTrip checks that any value put into b comes back out unchanged.
func RoundTrip(ctx context.Context, t *testing.T, b keeper.Backend) {
	f := func(data []byte, meta map[string]string) bool {
		key := keeper.Digest(data)
		if err := b.Put(ctx, key, data, meta); err != nil {
			t.Logf("putting %s: %s", key, err)
			return false
		}
		has, err := b.Has(ctx, key)
		if err != nil {
			t.Logf("checking for %s: %s", key, err)
			return false
		}
		if !has {
			t.Logf("%s missing after Put", key)
			return false
		}
		val, err := b.Get(ctx, key)
		if err != nil {
			t.Logf("getting %s: %s", key, err)
			return false
		}
		if val.Key != key {
			t.Logf("got key %s, want %s", val.Key, key)
			return false
		}
		if !bytes.Equal(val.Bytes(), data) {
			t.Logf("content mismatch for %s", key)
			return false
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Error(err)
	}
}

// FirstWriteWins checks that putting the same content twice
// keeps the metadata of the first put.
func FirstWriteWins(ctx context.Context, t *testing.T, b keeper.Backend) {
	var (
		data = []byte("the same content twice")
		key  = keeper.Digest(data)
		a    = keeper.Metadata{"tag": "a", "mime": "text/plain"}
	)
	if err := b.Put(ctx, key, data, a); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, key, data, keeper.Metadata{"tag": "b"}); err != nil {
		t.Fatal(err)
	}

	w, err := b.OpenWrite(ctx, keeper.Metadata{"tag": "c"})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Discard()
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	val, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, val.Meta); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

// NotFound checks the result of getting a key that was never put.
func NotFound(ctx context.Context, t *testing.T, b keeper.Backend) {
	key := keeper.Digest([]byte("never written"))

	_, err := b.Get(ctx, key)
	if !errors.Is(err, keeper.ErrNotFound) {
		t.Errorf("got error %v, want %v", err, keeper.ErrNotFound)
	}

	has, err := b.Has(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("Has reports a key that was never written")
	}
}

// Empty checks that the empty value is stored like any other.
func Empty(ctx context.Context, t *testing.T, b keeper.Backend) {
	key := keeper.Digest(nil)
	if key == keeper.Digest([]byte{0}) {
		t.Fatal("empty key collides with non-empty key")
	}
	if err := b.Put(ctx, key, nil, nil); err != nil {
		t.Fatal(err)
	}
	val, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if val.Len() != 0 {
		t.Errorf("got %d bytes, want 0", val.Len())
	}
	if diff := cmp.Diff(keeper.Metadata{}, val.Metadata(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

// Stream checks the StreamHandle lifecycle:
// no key before Close, the same key as a one-shot Put after,
// and no writes after Close.
func Stream(ctx context.Context, t *testing.T, b keeper.Backend) {
	data := []byte("written in several pieces, hashed as one")

	w, err := b.OpenWrite(ctx, keeper.Metadata{"mime": "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Discard()

	for _, chunk := range [][]byte{data[:7], data[7:7], data[7:20], data[20:]} {
		if _, err := w.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Key(); !errors.Is(err, keeper.ErrStreamOpen) {
		t.Errorf("got error %v before Close, want %v", err, keeper.ErrStreamOpen)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %s", err)
	}
	key, err := w.Key()
	if err != nil {
		t.Fatal(err)
	}
	if want := keeper.Digest(data); key != want {
		t.Errorf("got key %s, want %s", key, want)
	}
	if _, err := w.Write([]byte("more")); !errors.Is(err, keeper.ErrClosed) {
		t.Errorf("got error %v writing after Close, want %v", err, keeper.ErrClosed)
	}

	val, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(val.Bytes(), data) {
		t.Errorf("got %q, want %q", val.Bytes(), data)
	}
	if val.MIME() != "text/plain" {
		t.Errorf("got MIME type %q, want text/plain", val.MIME())
	}

	discarded := []byte("never committed")
	w2, err := b.OpenWrite(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w2.Write(discarded); err != nil {
		t.Fatal(err)
	}
	if err := w2.Discard(); err != nil {
		t.Fatal(err)
	}
	has, err := b.Has(ctx, keeper.Digest(discarded))
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("discarded stream was stored")
	}
}

// Closed checks that b refuses operations once closed.
func Closed(ctx context.Context, t *testing.T, b keeper.Backend) {
	data := []byte("before close")
	key := keeper.Digest(data)
	if err := b.Put(ctx, key, data, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, keeper.Digest(nil), nil, nil); !errors.Is(err, keeper.ErrClosed) {
		t.Errorf("got error %v from Put, want %v", err, keeper.ErrClosed)
	}
	if _, err := b.Get(ctx, key); !errors.Is(err, keeper.ErrClosed) {
		t.Errorf("got error %v from Get, want %v", err, keeper.ErrClosed)
	}
	if _, err := b.OpenWrite(ctx, nil); !errors.Is(err, keeper.ErrClosed) {
		t.Errorf("got error %v from OpenWrite, want %v", err, keeper.ErrClosed)
	}
}

// StreamAfterClose checks that a stream still open when b closes
// fails to commit, and keeps failing the same way.
func StreamAfterClose(ctx context.Context, t *testing.T, b keeper.Backend) {
	data := []byte("outlived its backend")

	w, err := b.OpenWrite(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Discard()

	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	err = w.Close()
	if !errors.Is(err, keeper.ErrClosed) {
		t.Fatalf("got error %v from Close, want %v", err, keeper.ErrClosed)
	}
	if err2 := w.Close(); err2 != err {
		t.Errorf("got error %v from second Close, want %v", err2, err)
	}
	if _, err2 := w.Key(); err2 != err {
		t.Errorf("got error %v from Key, want %v", err2, err)
	}
}
