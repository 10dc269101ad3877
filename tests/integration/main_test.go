//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

var (
	testDB    *TestDB
	testRedis *miniredis.Miniredis
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start test database: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	testRedis, err = miniredis.Run()
	if err != nil {
		_ = db.Teardown(ctx)
		fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testRedis.Close()
	_ = db.Teardown(ctx)
	os.Exit(code)
}

// resetState clears every table and the Redis keyspace between tests
func resetState(t *testing.T) {
	t.Helper()
	if err := testDB.CleanupTables(context.Background()); err != nil {
		t.Fatalf("failed to clean tables: %v", err)
	}
	testRedis.FlushAll()
}
