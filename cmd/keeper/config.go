package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
	_ "github.com/bobg/keeper/backend/compress"
	_ "github.com/bobg/keeper/backend/file"
	_ "github.com/bobg/keeper/backend/gcs"
	_ "github.com/bobg/keeper/backend/logging"
	_ "github.com/bobg/keeper/backend/lru"
	_ "github.com/bobg/keeper/backend/mem"
	_ "github.com/bobg/keeper/backend/pg"
	_ "github.com/bobg/keeper/backend/sqlite3"
	_ "github.com/bobg/keeper/backend/writecache"
)

// A config file is a JSON object naming a backend type
// and that type's parameters.
// Decorator types nest the backend they wrap:
//
//	{"type": "writecache", "queuelen": 64, "nested": {"type": "file", "root": "/var/keeper"}}
func backendFromConfig(ctx context.Context, filename string) (keeper.Backend, error) {
	var conf map[string]interface{}
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}

	b, err := backend.FromConfig(ctx, conf)
	return b, errors.Wrapf(err, "creating backend from %s", filename)
}
