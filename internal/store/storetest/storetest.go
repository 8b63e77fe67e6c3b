// Package storetest opens throwaway stores for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"libranexus/lending/internal/store"
)

// PostgresDSNEnv names the variable that points tests at a real PostgreSQL.
const PostgresDSNEnv = "LIBRANEXUS_TEST_POSTGRES_DSN"

// Open returns a migrated SQLite store in a temporary directory. The store is
// closed when the test ends.
func Open(t testing.TB) *store.DB {
	t.Helper()
	return open(t, store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "lending.db"),
	})
}

// OpenAt is Open with an explicit database path, for callers that need
// several stores inside one test.
func OpenAt(t testing.TB, path string) *store.DB {
	t.Helper()
	return open(t, store.Config{Driver: store.DriverSQLite, DSN: path})
}

// OpenPostgres returns a migrated PostgreSQL store, or skips the test when
// LIBRANEXUS_TEST_POSTGRES_DSN is unset.
func OpenPostgres(t testing.TB) *store.DB {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("skipping postgres test: %s not set", PostgresDSNEnv)
	}
	db := open(t, store.Config{Driver: store.DriverPostgres, DSN: dsn})
	_, err := db.Exec(`TRUNCATE TABLE relay_deliveries, activity_log, fines, loans, reservations, copies, book_authors, books, credentials, members CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t testing.TB, cfg store.Config) *store.DB {
	t.Helper()
	cfg.Logger = Logger()
	db, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
