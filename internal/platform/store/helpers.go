package store

import (
	"context"

	perr "cspipe/internal/platform/errors"
)

// ExecOne runs a write and asserts exactly 1 row affected. Meant for
// keyed upserts and updates where touching any other row count means
// the statement or its arguments are wrong.
func ExecOne(ctx context.Context, q RowQuerier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n != 1 {
		return perr.Newf(perr.ErrorCodeDB, "expected exactly one row affected, got %d", n)
	}
	return nil
}

// Scalar queries the first row, first column into T. No-rows surfaces
// as the driver's scan error for the caller to classify.
func Scalar[T any](ctx context.Context, q RowQuerier, sql string, args ...any) (T, error) {
	var v T
	if err := q.QueryRow(ctx, sql, args...).Scan(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
