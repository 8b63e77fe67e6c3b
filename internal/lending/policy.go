package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"libranexus/lending/internal/store"
)

// DefaultBorrowLimit caps active loans plus reservations per member.
const DefaultBorrowLimit = 3

// guard decides whether a member may take another loan or reservation.
type guard struct {
	limit int
}

type acquisition int

const (
	acquireLoan acquisition = iota
	acquireReservation
)

// check evaluates the member's standing at now. The first failing rule wins,
// in this order: already borrowed, already reserved (reservations only),
// overdue, limit. Callers serialise checks for one member by locking the
// member row first.
func (g guard) check(ctx context.Context, tx *store.Tx, memberID, bookID uuid.UUID, kind acquisition, now time.Time) error {
	var loans []Loan
	ds := tx.Builder().From("loans").
		Select(loanColumns...).
		Where(
			goqu.C("member_id").Eq(memberID),
			goqu.C("returned_date").IsNull(),
		)
	if err := store.Select(ctx, tx, &loans, ds); err != nil {
		return fmt.Errorf("load active loans: %w", err)
	}

	var reserved []uuid.UUID
	rs := tx.Builder().From("reservations").
		Select("book_id").
		Where(goqu.C("member_id").Eq(memberID))
	if err := store.Select(ctx, tx, &reserved, rs); err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}

	for _, l := range loans {
		if l.BookID == bookID {
			return ErrAlreadyBorrowed
		}
	}

	if kind == acquireReservation {
		for _, b := range reserved {
			if b == bookID {
				return ErrAlreadyReserved
			}
		}
	}

	for _, l := range loans {
		if l.Overdue(now) {
			return ErrOverdueBlock
		}
	}

	held := len(loans) + len(reserved)
	if kind == acquireLoan {
		// Borrowing a reserved book consumes the reservation.
		for _, b := range reserved {
			if b == bookID {
				held--
				break
			}
		}
	}
	if held >= g.limit {
		return ErrLimitReached
	}
	return nil
}
