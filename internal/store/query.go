package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Statement is a goqu dataset that can be rendered as a prepared statement.
type Statement[T any] interface {
	Prepared(prepared bool) T
	ToSQL() (string, []interface{}, error)
}

// Render produces the SQL text and bind arguments for ds. Arguments are always
// passed to the driver rather than interpolated so that times and UUIDs are
// encoded by the driver.
func Render[T Statement[T]](ds T) (string, []interface{}, error) {
	return ds.Prepared(true).ToSQL()
}

// Get runs ds and scans exactly one row into dest. A missing row is reported
// as ErrNotFound.
func Get[T Statement[T]](ctx context.Context, q sqlx.QueryerContext, dest interface{}, ds T) error {
	query, args, err := Render(ds)
	if err != nil {
		return &Error{Op: "render", Err: err}
	}
	return wrap("get", sqlx.GetContext(ctx, q, dest, query, args...))
}

// Select runs ds and scans every row into dest, which must be a pointer to a slice.
func Select[T Statement[T]](ctx context.Context, q sqlx.QueryerContext, dest interface{}, ds T) error {
	query, args, err := Render(ds)
	if err != nil {
		return &Error{Op: "render", Err: err}
	}
	return wrap("select", sqlx.SelectContext(ctx, q, dest, query, args...))
}

// Exec runs ds and returns the number of affected rows.
func Exec[T Statement[T]](ctx context.Context, e sqlx.ExecerContext, ds T) (int64, error) {
	query, args, err := Render(ds)
	if err != nil {
		return 0, &Error{Op: "render", Err: err}
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrap("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", err)
	}
	return n, nil
}
