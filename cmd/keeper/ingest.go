package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/keeper"
)

func (c maincmd) ingest(ctx context.Context, fs *flag.FlagSet, args []string) error {
	jobs := fs.Int("j", 8, "number of files to add at once")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var (
		mu sync.Mutex // serializes output
		g  errgroup.Group
	)
	g.SetLimit(*jobs)

	for _, path := range fs.Args() {
		path := path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "reading %s", path)
			}
			meta := keeper.Metadata{"name": filepath.Base(path)}
			if typ := mime.TypeByExtension(filepath.Ext(path)); typ != "" {
				meta[keeper.MIMEAttr] = typ
			}
			key, err := c.s.Add(ctx, data, meta)
			if err != nil {
				return errors.Wrapf(err, "adding %s", path)
			}
			c.logger.Debug("ingested", zap.String("path", path), zap.Stringer("key", key))

			mu.Lock()
			defer mu.Unlock()
			fmt.Printf("%s %s\n", key, path)
			return nil
		})
	}

	return g.Wait()
}
