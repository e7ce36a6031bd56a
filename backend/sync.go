package backend

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/keeper"
)

// Sync synchronizes two or more backends.
// It runs ListKeys on all of them.
// When a key is found to be in some but not all backends,
// its value and metadata are added to the backends where it's missing.
//
// Where two backends hold the same key with different metadata,
// neither is changed.
func Sync(ctx context.Context, backends []keeper.Backend) error {
	if len(backends) < 2 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)

	for i, src := range backends {
		i, src := i, src
		g.Go(func() error {
			return src.ListKeys(ctx, keeper.Zero, func(key keeper.Key) error {
				var val *keeper.Value

				for j, dst := range backends {
					if i == j {
						continue
					}
					has, err := dst.Has(ctx, key)
					if err != nil {
						return errors.Wrapf(err, "checking for %s", key)
					}
					if has {
						continue
					}
					if val == nil {
						v, err := src.Get(ctx, key)
						if err != nil {
							return errors.Wrapf(err, "getting %s", key)
						}
						val = &v
					}
					if err := dst.Put(ctx, key, val.Data, val.Meta); err != nil {
						return errors.Wrapf(err, "storing %s", key)
					}
				}
				return nil
			})
		})
	}

	return g.Wait()
}
