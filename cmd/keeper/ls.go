package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
)

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	long := fs.Bool("l", false, "include each value's size and MIME type")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	return c.s.Keys(ctx, func(key keeper.Key) error {
		if !*long {
			fmt.Println(key)
			return nil
		}
		val, err := c.s.Get(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "getting %s", key)
		}
		fmt.Printf("%s %d %s\n", key, val.Len(), val.MIME())
		return nil
	})
}
