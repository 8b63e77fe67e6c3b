package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrMemoryDatabase rejects in-memory SQLite databases. Every pooled
// connection would open its own empty database.
var ErrMemoryDatabase = errors.New("in-memory sqlite databases are not supported")

// Pragmas merged into every SQLite DSN. Forced ones override the caller.
// Writers take the database
// lock at BEGIN so that concurrent transactions serialise instead of failing
// on upgrade.
var (
	sqliteForced   = map[string]string{"_txlock": "immediate", "_foreign_keys": "1"}
	sqliteDefaults = map[string]string{"_busy_timeout": "10000", "_journal_mode": "WAL"}
)

func driverDSN(driver Driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteDSN(dsn)
	case DriverMySQL:
		return mysqlDSN(dsn)
	default:
		return dsn, nil
	}
}

// mysqlDSN makes DATETIME columns scan into time.Time in UTC, which the
// engine's due-date arithmetic assumes.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// sqliteDSN accepts a plain path or a file: URI and returns a file: URI
// carrying the pragmas the engine relies on.
func sqliteDSN(dsn string) (string, error) {
	path, rawQuery, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("parse sqlite dsn: %w", err)
	}
	if path == "" || path == ":memory:" || query.Get("mode") == "memory" {
		return "", ErrMemoryDatabase
	}

	for k, v := range sqliteForced {
		query.Set(k, v)
	}
	for k, v := range sqliteDefaults {
		if query.Get(k) == "" {
			query.Set(k, v)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db dir: %w", err)
		}
	}
	return "file:" + path + "?" + query.Encode(), nil
}
