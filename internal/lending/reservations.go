package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"libranexus/lending/internal/store"
)

var reservationColumns = []interface{}{"id", "member_id", "book_id", "reservation_date"}

// Reserve queues memberID for bookID. Reserving is allowed whether or not a
// copy is currently free.
func (e *Engine) Reserve(ctx context.Context, memberID, bookID uuid.UUID) (res *Reservation, err error) {
	ctx, span := e.start(ctx, "lending.reserve",
		attribute.String("member.id", memberID.String()),
		attribute.String("book.id", bookID.String()),
	)
	defer func() { finish(span, err) }()

	if _, err := e.CheckAndApplyFines(ctx, memberID); err != nil {
		return nil, err
	}

	err = e.db.WithTx(ctx, "lending.reserve", func(ctx context.Context, tx *store.Tx) error {
		now := e.now()
		if err := lockMember(ctx, tx, memberID); err != nil {
			return err
		}
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		if err := e.guard.check(ctx, tx, memberID, bookID, acquireReservation, now); err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate reservation id: %w", err)
		}
		res = &Reservation{ID: id, MemberID: memberID, BookID: bookID, ReservationDate: now}
		ins := tx.Builder().Insert("reservations").Rows(goqu.Record{
			"id":               res.ID,
			"member_id":        res.MemberID,
			"book_id":          res.BookID,
			"reservation_date": res.ReservationDate,
		})
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrAlreadyReserved
			}
			return fmt.Errorf("insert reservation: %w", err)
		}

		return e.recorder.Append(ctx, tx, memberID, fmt.Sprintf("Reserved book %s", bookID))
	})
	if err != nil {
		return nil, err
	}

	e.metrics.reserved(ctx)
	e.logger.Info("reservation queued", "reservation_id", res.ID, "member_id", memberID, "book_id", bookID)
	return res, nil
}

// CancelReservation removes memberID's reservation for bookID.
func (e *Engine) CancelReservation(ctx context.Context, memberID, bookID uuid.UUID) (err error) {
	ctx, span := e.start(ctx, "lending.cancel_reservation",
		attribute.String("member.id", memberID.String()),
		attribute.String("book.id", bookID.String()),
	)
	defer func() { finish(span, err) }()

	err = e.db.WithTx(ctx, "lending.cancel_reservation", func(ctx context.Context, tx *store.Tx) error {
		del := tx.Builder().Delete("reservations").Where(
			goqu.C("member_id").Eq(memberID),
			goqu.C("book_id").Eq(bookID),
		)
		n, err := store.Exec(ctx, tx, del)
		if err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
		if n == 0 {
			return ErrReservationNotFound
		}
		return e.recorder.Append(ctx, tx, memberID, fmt.Sprintf("Cancelled reservation for book %s", bookID))
	})
	if err != nil {
		return err
	}

	e.logger.Info("reservation cancelled", "member_id", memberID, "book_id", bookID)
	return nil
}

// PeekNext returns the reservation at the head of bookID's queue: the
// earliest reservation_date, ties broken by the lower id.
func (e *Engine) PeekNext(ctx context.Context, bookID uuid.UUID) (*Reservation, error) {
	ds := headOfQueue(e.db.Builder(), bookID)
	res, err := store.Retry(ctx, func() (*Reservation, error) {
		var r Reservation
		if err := store.Get(ctx, e.db, &r, ds); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoReserver
	}
	return res, err
}

// Queue lists bookID's reservations in promotion order.
func (e *Engine) Queue(ctx context.Context, bookID uuid.UUID) ([]Reservation, error) {
	ds := e.db.Builder().From("reservations").
		Select(reservationColumns...).
		Where(goqu.C("book_id").Eq(bookID)).
		Order(goqu.C("reservation_date").Asc(), goqu.C("id").Asc())
	return store.Retry(ctx, func() ([]Reservation, error) {
		var out []Reservation
		err := store.Select(ctx, e.db, &out, ds)
		return out, err
	})
}

// Reservations lists memberID's reservations, newest first.
func (e *Engine) Reservations(ctx context.Context, memberID uuid.UUID) ([]Reservation, error) {
	ds := e.db.Builder().From("reservations").
		Select(reservationColumns...).
		Where(goqu.C("member_id").Eq(memberID)).
		Order(goqu.C("reservation_date").Desc(), goqu.C("id").Desc())
	return store.Retry(ctx, func() ([]Reservation, error) {
		var out []Reservation
		err := store.Select(ctx, e.db, &out, ds)
		return out, err
	})
}

// Promote hands a free copy of bookID to the head of its queue. It reports
// ErrNoReserver when nobody is waiting and ErrAllocationFailed when no copy
// could be claimed; in that case the reservation stays queued.
func (e *Engine) Promote(ctx context.Context, bookID uuid.UUID) (promo *Promotion, err error) {
	ctx, span := e.start(ctx, "lending.promote", attribute.String("book.id", bookID.String()))
	defer func() { finish(span, err) }()

	err = e.db.WithTx(ctx, "lending.promote", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		promo, err = e.promote(ctx, tx, bookID, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.promoted(ctx)
	e.metrics.loanCreated(ctx, "promotion")
	e.logger.Info("reservation promoted", "book_id", bookID,
		"member_id", promo.Reservation.MemberID, "loan_id", promo.Loan.ID)
	return promo, nil
}

// promote converts the head reservation of bookID into a loan inside tx. The
// reserver's policy is not re-checked: the reservation already counts
// against their limit, so the swap leaves their total unchanged.
func (e *Engine) promote(ctx context.Context, tx *store.Tx, bookID uuid.UUID, now time.Time) (*Promotion, error) {
	var head Reservation
	if err := store.Get(ctx, tx, &head, tx.ForUpdate(headOfQueue(tx.Builder(), bookID), false)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoReserver
		}
		return nil, fmt.Errorf("load next reservation: %w", err)
	}

	copyID, err := e.allocator.allocate(ctx, tx, bookID)
	if err != nil {
		if errors.Is(err, ErrNoAvailableCopy) {
			return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
		}
		return nil, err
	}

	loan, err := e.insertLoan(ctx, tx, head.MemberID, copyID, bookID, now)
	if err != nil {
		return nil, err
	}

	del := tx.Builder().Delete("reservations").Where(goqu.C("id").Eq(head.ID))
	if _, err := store.Exec(ctx, tx, del); err != nil {
		return nil, fmt.Errorf("delete promoted reservation: %w", err)
	}

	if err := e.recorder.Append(ctx, tx, head.MemberID,
		fmt.Sprintf("Received book %s as its next reserver", bookID)); err != nil {
		return nil, err
	}
	return &Promotion{Reservation: head, Loan: *loan}, nil
}

func headOfQueue(b goqu.DialectWrapper, bookID uuid.UUID) *goqu.SelectDataset {
	return b.From("reservations").
		Select(reservationColumns...).
		Where(goqu.C("book_id").Eq(bookID)).
		Order(goqu.C("reservation_date").Asc(), goqu.C("id").Asc()).
		Limit(1)
}
