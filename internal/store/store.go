// Package store owns the connection to the relational store behind the lending
// engine and the transaction boundary every engine operation runs inside.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	// goqu dialects
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names a database/sql driver the store can run on.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverPgx      Driver = "pgx"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite3"
)

// ParseDriver validates a driver name coming from configuration.
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(name))); d {
	case DriverPostgres, DriverPgx, DriverMySQL, DriverSQLite:
		return d, nil
	case "sqlite":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", name)
	}
}

// dialect is the goqu dialect that renders SQL for the driver.
func (d Driver) dialect() string {
	switch d {
	case DriverPostgres, DriverPgx:
		return "postgres"
	case DriverMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// RowLocks reports whether the driver supports SELECT ... FOR UPDATE.
func (d Driver) RowLocks() bool {
	return d != DriverSQLite
}

// Config describes how to reach the store.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	Logger          *slog.Logger
}

// DB is the store handle shared by every component. It is safe for
// concurrent use and must be closed at shutdown.
type DB struct {
	*sqlx.DB
	driver  Driver
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Open connects to the store described by cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver, err := ParseDriver(string(cfg.Driver))
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := driverDSN(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 25
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ping := func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			logger.Warn("store ping failed", "driver", driver, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &DB{
		DB:      db,
		driver:  driver,
		dialect: goqu.Dialect(driver.dialect()),
		tracer:  otel.Tracer("libranexus/store"),
		logger:  logger,
	}, nil
}

// Driver returns the driver the handle was opened with.
func (db *DB) Driver() Driver {
	return db.driver
}

// Builder returns the goqu dialect for building queries against this store.
func (db *DB) Builder() goqu.DialectWrapper {
	return db.dialect
}

// Tx is a store transaction. Queries built with Builder render for the
// same dialect as the owning DB.
type Tx struct {
	*sqlx.Tx
	db *DB
}

// Builder returns the goqu dialect of the owning store.
func (tx *Tx) Builder() goqu.DialectWrapper {
	return tx.db.dialect
}

// ForUpdate locks the rows selected by ds until the transaction ends. With
// skipLocked, rows held by another transaction are passed over instead of
// waited on. On SQLite the statement is returned unchanged: the transaction
// already holds the write lock.
func (tx *Tx) ForUpdate(ds *goqu.SelectDataset, skipLocked bool) *goqu.SelectDataset {
	if !tx.db.driver.RowLocks() {
		return ds
	}
	if skipLocked {
		return ds.ForUpdate(exp.SkipLocked)
	}
	return ds.ForUpdate(exp.Wait)
}

// Savepoint runs fn inside a named savepoint. When fn fails the statements
// it ran are undone and the transaction stays usable, which a failed
// statement would otherwise prevent on Postgres.
func (tx *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return wrap("savepoint "+name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return wrap("rollback to savepoint "+name, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return wrap("release savepoint "+name, err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, name string, fn func(ctx context.Context, tx *Tx) error) (err error) {
	ctx, span := db.tracer.Start(ctx, "store.tx",
		trace.WithAttributes(
			attribute.String("tx.name", name),
			attribute.String("db.system", string(db.driver)),
		),
	)
	defer span.End()

	sqlTx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin")
		return wrap("begin "+name, err)
	}
	tx := &Tx{Tx: sqlTx, db: db}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				db.logger.Warn("rollback failed", "tx", name, "error", rbErr)
			}
			span.RecordError(err)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		span.SetStatus(codes.Error, "commit")
		return wrap("commit "+name, err)
	}
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}
