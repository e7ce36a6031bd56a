// Package testutil holds tests that any keeper.Backend must pass.
package testutil

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bobg/keeper"
)

// ReadWrite permits testing a Backend implementation
// by stream-writing some data to it in chunks of the given size,
// then reading it back out to make sure it's the same.
func ReadWrite(ctx context.Context, t *testing.T, b keeper.Backend, data []byte, chunkSize int) {
	t1 := time.Now()
	w, err := b.OpenWrite(ctx, keeper.Metadata{"name": "readwrite"})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Discard()

	for rest := data; len(rest) > 0; {
		n := chunkSize
		if n > len(rest) {
			n = len(rest)
		}
		if _, err := w.Write(rest[:n]); err != nil {
			t.Fatal(err)
		}
		rest = rest[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	key, err := w.Key()
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %s", len(data), time.Since(t1))

	if want := keeper.Digest(data); key != want {
		t.Fatalf("got key %s, want %s", key, want)
	}

	t2 := time.Now()
	val, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got := val.Bytes()
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))

	if len(got) != len(data) {
		t.Errorf("got length %d, want %d", len(got), len(data))
	} else if !bytes.Equal(got, data) {
		for i := 0; i < len(got); i++ {
			if got[i] != data[i] {
				t.Fatalf("mismatch at position %d (of %d)", i, len(got))
			}
		}
	}
	if val.Meta["name"] != "readwrite" {
		t.Errorf("got metadata %v, want name=readwrite", val.Meta)
	}
}
