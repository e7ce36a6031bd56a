package pg

import (
	"context"
	"os"
	"testing"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/testutil"
)

const connVar = "KEEPER_PG_TESTING_CONN"

func TestBackend(t *testing.T) {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string", t.Name(), connVar)
	}

	ctx := context.Background()
	testutil.Conformance(ctx, t, func(t *testing.T) keeper.Backend {
		b, err := Open(ctx, connstr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.db.ExecContext(ctx, `TRUNCATE blobs`); err != nil {
			t.Fatal(err)
		}
		return b
	})
}
