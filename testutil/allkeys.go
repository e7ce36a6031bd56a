package testutil

import (
	"context"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/bobg/keeper"
)

// AllKeys writes a random set of random values to an empty backend
// and makes sure that the right set of keys comes back in a call to ListKeys.
func AllKeys(ctx context.Context, t *testing.T, factory func() keeper.Backend) {
	if err := quick.Check(allKeysHelper(ctx, t, factory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allKeysHelper(ctx context.Context, t *testing.T, factory func() keeper.Backend) func([][]byte) bool {
	return func(values [][]byte) bool {
		b := factory()
		defer b.Close()

		wantSet := make(map[keeper.Key]struct{})
		for _, data := range values {
			key := keeper.Digest(data)
			if err := b.Put(ctx, key, data, nil); err != nil {
				t.Fatal(err)
			}
			wantSet[key] = struct{}{}
		}
		want := make([]keeper.Key, 0, len(wantSet))
		for key := range wantSet {
			want = append(want, key)
		}

		var got []keeper.Key
		err := b.ListKeys(ctx, keeper.Zero, func(key keeper.Key) error {
			got = append(got, key)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })
		if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Less(got[j]) }) {
			t.Log("ListKeys did not produce keys in order")
			return false
		}

		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
}
