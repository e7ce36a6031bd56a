package keeper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// MultiErr is a type of error returned by GetMulti.
// It maps individual keys to errors encountered trying to get them.
type MultiErr map[Key]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	strs := make([]string, 0, len(e))
	for key, err := range e {
		strs = append(strs, fmt.Sprintf("%s: %s", key, err))
	}
	sort.Strings(strs)
	return "error(s): " + strings.Join(strs, "; ")
}

// GetMulti gets multiple values with a single call,
// running at most concurrency gets at a time
// (no limit if concurrency is not positive).
// The return value maps input keys to the values that were found.
// The returned error may be a MultiErr,
// mapping input keys to errors encountered retrieving those specific keys.
// When the error is a MultiErr,
// every input key appears in either the result map or the MultiErr map.
func (s *Store) GetMulti(ctx context.Context, keys []Key, concurrency int) (map[Key]Value, error) {
	b, err := s.backend()
	if err != nil {
		return nil, err
	}

	type triple struct {
		key Key
		val Value
		err error
	}

	var (
		g  errgroup.Group
		ch = make(chan triple, len(keys))
	)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, key := range keys {
		key := key
		g.Go(func() error {
			val, err := b.Get(ctx, key)
			ch <- triple{key: key, val: val, err: err}
			return nil
		})
	}
	g.Wait()
	close(ch)

	var (
		res    = make(map[Key]Value)
		errmap MultiErr
	)
	for trip := range ch {
		if trip.err != nil {
			if errmap == nil {
				errmap = make(MultiErr)
			}
			errmap[trip.key] = trip.err
			continue
		}
		res[trip.key] = trip.val
	}

	if errmap != nil {
		return res, errmap
	}
	return res, nil
}
