package sqlstore

import (
	"context"
	"testing"
)

func sqliteDSN(name string) string {
	return "sqlite:file:" + name + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
}

func openSQLite(t *testing.T, name string) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, sqliteDSN(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}
