package main

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) (err error) {
	to := fs.String("to", "", "config file of the backend to sync with")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *to == "" {
		return errors.New("must supply -to")
	}

	other, err := backendFromConfig(ctx, *to)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, other.Close())
	}()

	return backend.Sync(ctx, []keeper.Backend{c.s.Backend(), other})
}
