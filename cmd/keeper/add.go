package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/keeper"
)

// metaFlag collects repeated -meta k=v flags.
type metaFlag keeper.Metadata

func (m metaFlag) String() string {
	var parts []string
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m metaFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata %q is not of the form key=value", s)
	}
	m[k] = v
	return nil
}

func (c maincmd) add(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		meta   = make(metaFlag)
		stream = fs.Bool("stream", false, "write stdin incrementally instead of reading it all first")
	)
	fs.Var(meta, "meta", "metadata attribute as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var (
		key keeper.Key
		err error
	)
	if *stream {
		key, err = c.addStream(ctx, keeper.Metadata(meta), os.Stdin)
	} else {
		var data []byte
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "reading stdin")
		}
		key, err = c.s.Add(ctx, data, keeper.Metadata(meta))
	}
	if err != nil {
		return err
	}

	c.logger.Debug("added", zap.Stringer("key", key))
	fmt.Println(key)
	return nil
}

func (c maincmd) addStream(ctx context.Context, meta keeper.Metadata, r io.Reader) (keeper.Key, error) {
	w, err := c.s.AddStream(ctx, meta)
	if err != nil {
		return keeper.Zero, err
	}
	defer w.Discard()

	if _, err := io.Copy(w, r); err != nil {
		return keeper.Zero, errors.Wrap(err, "copying to stream")
	}
	if err := w.Close(); err != nil {
		return keeper.Zero, errors.Wrap(err, "closing stream")
	}
	return w.Key()
}
