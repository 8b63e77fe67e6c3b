package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"libranexus/lending/internal/store"
)

// allocator claims and releases physical copies. Both operations run inside
// the caller's transaction so a claim is only visible once the loan that
// holds it commits.
type allocator struct{}

// allocate claims the free copy of bookID with the lowest id. Copies locked
// by a concurrent claim are skipped, and the claim itself is a conditional
// update, so two transactions can never both take the same copy.
func (allocator) allocate(ctx context.Context, tx *store.Tx, bookID uuid.UUID) (uuid.UUID, error) {
	ds := tx.Builder().From("copies").
		Select("id").
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("available").IsTrue(),
			goqu.C("retired_at").IsNull(),
		).
		Order(goqu.C("id").Asc()).
		Limit(1)
	ds = tx.ForUpdate(ds, true)

	var copyID uuid.UUID
	if err := store.Get(ctx, tx, &copyID, ds); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, ErrNoAvailableCopy
		}
		return uuid.Nil, fmt.Errorf("find available copy: %w", err)
	}

	claim := tx.Builder().Update("copies").
		Set(goqu.Record{"available": false}).
		Where(
			goqu.C("id").Eq(copyID),
			goqu.C("available").IsTrue(),
		)
	n, err := store.Exec(ctx, tx, claim)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim copy: %w", err)
	}
	if n == 0 {
		return uuid.Nil, ErrNoAvailableCopy
	}
	return copyID, nil
}

// release marks copyID available again.
func (allocator) release(ctx context.Context, tx *store.Tx, copyID uuid.UUID) error {
	upd := tx.Builder().Update("copies").
		Set(goqu.Record{"available": true}).
		Where(goqu.C("id").Eq(copyID))
	n, err := store.Exec(ctx, tx, upd)
	if err != nil {
		return fmt.Errorf("release copy: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release copy %s: copy does not exist", copyID)
	}
	return nil
}
