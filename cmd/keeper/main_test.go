package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend/writecache"
)

func TestMetaFlag(t *testing.T) {
	var (
		fs   = flag.NewFlagSet("add", flag.ContinueOnError)
		meta = make(metaFlag)
	)
	fs.Var(meta, "meta", "")

	if err := fs.Parse([]string{"-meta", "mime=text/plain", "-meta", "note=a=b"}); err != nil {
		t.Fatal(err)
	}
	want := metaFlag{"mime": "text/plain", "note": "a=b"}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err := meta.Set("novalue"); err == nil {
		t.Error("got no error for malformed metadata")
	}
}

func TestBackendFromConfig(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		conf = filepath.Join(dir, "keeper.json")
	)

	err := os.WriteFile(conf, []byte(`{
		"type": "writecache",
		"queuelen": 16,
		"nested": {"type": "file", "root": "`+filepath.Join(dir, "data")+`", "depth": 1}
	}`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	b, err := backendFromConfig(ctx, conf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*writecache.Backend); !ok {
		t.Errorf("got %T, want *writecache.Backend", b)
	}

	var key keeper.Key
	err = keeper.With(b, func(s *keeper.Store) error {
		key, err = s.Add(ctx, []byte("configured"), nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reopening sees the value the cache committed on Close.
	b, err = backendFromConfig(ctx, conf)
	if err != nil {
		t.Fatal(err)
	}
	err = keeper.With(b, func(s *keeper.Store) error {
		val, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if string(val.Bytes()) != "configured" {
			t.Errorf("got %q, want %q", val.Bytes(), "configured")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
