package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations
var migrations embed.FS

type migration struct {
	version int
	name    string
	stmts   []string
}

// Migrate applies every migration for the store's dialect that has not been
// applied yet. It is safe to call on every start.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at VARCHAR(64) NOT NULL
	)`); err != nil {
		return wrap("create schema_migrations", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return wrap("read schema version", err)
	}

	pending, err := loadMigrations(db.driver.dialect())
	if err != nil {
		return err
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		err := db.WithTx(ctx, "migrate", func(ctx context.Context, tx *Tx) error {
			for i, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return wrap(fmt.Sprintf("migration %s statement %d", m.name, i+1), err)
				}
			}
			_, err := tx.ExecContext(ctx,
				tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
				m.version, time.Now().UTC().Format(time.RFC3339),
			)
			return wrap("record migration "+m.name, err)
		})
		if err != nil {
			return err
		}
		db.logger.Info("applied migration", "name", m.name, "driver", db.driver)
	}
	return nil
}

func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations for %s: %w", dialect, err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", e.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", e.Name(), err)
		}
		src, err := fs.ReadFile(migrations, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: e.Name(), stmts: splitStatements(string(src))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements breaks a migration file into statements. Statements end
// with a semicolon at the end of a line.
func splitStatements(src string) []string {
	var stmts []string
	for _, part := range strings.Split(src, ";\n") {
		stmt := strings.TrimSuffix(strings.TrimSpace(part), ";")
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
