package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
)

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		keystr = fs.String("key", "", "key of value to get")
		meta   = fs.Bool("meta", false, "print the value's metadata instead of its content")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *keystr == "" {
		return errors.New("must supply -key")
	}

	key, err := keeper.KeyFromHex(*keystr)
	if err != nil {
		return errors.Wrapf(err, "decoding key %s", *keystr)
	}

	val, err := c.s.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "getting %s", key)
	}

	if *meta {
		names := make([]string, 0, len(val.Meta))
		for name := range val.Meta {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s=%s\n", name, val.Meta[name])
		}
		return nil
	}

	_, err = os.Stdout.Write(val.Bytes())
	return errors.Wrap(err, "writing value to stdout")
}
