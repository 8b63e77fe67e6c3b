package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"libranexus/lending/internal/store"
)

var fineColumns = []interface{}{"id", "loan_id", "amount_cents", "date_issued", "paid", "payment_date"}

// CheckAndApplyFines fines every loan of memberID that is still out past its
// due date and has no fine yet, and marks those loans overdue. It returns the
// fines it created. Calling it again, or concurrently, never creates a second
// fine for the same loan.
func (e *Engine) CheckAndApplyFines(ctx context.Context, memberID uuid.UUID) (fines []Fine, err error) {
	ctx, span := e.start(ctx, "lending.check_fines", attribute.String("member.id", memberID.String()))
	defer func() { finish(span, err) }()

	err = e.db.WithTx(ctx, "lending.check_fines", func(ctx context.Context, tx *store.Tx) error {
		now := e.now()
		var candidates []uuid.UUID
		ds := tx.Builder().From("loans").
			Select("id").
			Where(
				goqu.C("member_id").Eq(memberID),
				goqu.C("returned_date").IsNull(),
				goqu.C("due_date").Lt(now),
				goqu.L("NOT EXISTS (SELECT 1 FROM fines WHERE fines.loan_id = loans.id)"),
			).
			Order(goqu.C("id").Asc())
		if err := store.Select(ctx, tx, &candidates, ds); err != nil {
			return fmt.Errorf("find overdue loans: %w", err)
		}

		for _, loanID := range candidates {
			fine, err := e.fineLoan(ctx, tx, memberID, loanID)
			if err != nil {
				return err
			}
			if fine != nil {
				fines = append(fines, *fine)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(fines) > 0 {
		e.metrics.finesIssued(ctx, len(fines))
		e.logger.Info("fines issued", "member_id", memberID, "count", len(fines))
	}
	span.SetAttributes(attribute.Int("fines.created", len(fines)))
	return fines, nil
}

// fineLoan fines a single loan. The loan row is locked by the status update
// before the fine check, so a concurrent assessor either sees this fine or
// waits for it.
func (e *Engine) fineLoan(ctx context.Context, tx *store.Tx, memberID, loanID uuid.UUID) (*Fine, error) {
	now := e.now()
	mark := tx.Builder().Update("loans").
		Set(goqu.Record{"status": string(StatusOverdue)}).
		Where(goqu.C("id").Eq(loanID), goqu.C("returned_date").IsNull())
	n, err := store.Exec(ctx, tx, mark)
	if err != nil {
		return nil, fmt.Errorf("mark loan overdue: %w", err)
	}
	if n == 0 {
		// Returned since the candidate scan.
		return nil, nil
	}

	var existing uuid.UUID
	ds := tx.Builder().From("fines").Select("id").Where(goqu.C("loan_id").Eq(loanID))
	switch err := store.Get(ctx, tx, &existing, tx.ForUpdate(ds, false)); {
	case err == nil:
		return nil, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("check existing fine: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate fine id: %w", err)
	}
	fine := &Fine{ID: id, LoanID: loanID, AmountCents: e.cfg.FineCents, DateIssued: now}
	ins := tx.Builder().Insert("fines").Rows(goqu.Record{
		"id":           fine.ID,
		"loan_id":      fine.LoanID,
		"amount_cents": fine.AmountCents,
		"date_issued":  fine.DateIssued,
		"paid":         false,
	})
	err = tx.Savepoint(ctx, "fine", func() error {
		_, err := store.Exec(ctx, tx, ins)
		return err
	})
	switch {
	case store.IsUniqueViolation(err):
		// Fined by a concurrent assessor that inserted after our check.
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("insert fine: %w", err)
	}

	if err := e.recorder.Append(ctx, tx, memberID,
		fmt.Sprintf("Added fine for overdue return, loan %s", loanID)); err != nil {
		return nil, err
	}
	return fine, nil
}

// PayFines marks every unpaid fine of memberID as paid and returns how many
// were paid. One activity entry covers the whole batch.
func (e *Engine) PayFines(ctx context.Context, memberID uuid.UUID) (paid int, err error) {
	ctx, span := e.start(ctx, "lending.pay_fines", attribute.String("member.id", memberID.String()))
	defer func() { finish(span, err) }()

	err = e.db.WithTx(ctx, "lending.pay_fines", func(ctx context.Context, tx *store.Tx) error {
		now := e.now()
		upd := tx.Builder().Update("fines").
			Set(goqu.Record{"paid": true, "payment_date": now}).
			Where(
				goqu.C("paid").IsFalse(),
				goqu.C("loan_id").In(
					tx.Builder().From("loans").Select("id").Where(goqu.C("member_id").Eq(memberID)),
				),
			)
		n, err := store.Exec(ctx, tx, upd)
		if err != nil {
			return fmt.Errorf("pay fines: %w", err)
		}
		paid = int(n)
		if paid == 0 {
			return nil
		}
		return e.recorder.Append(ctx, tx, memberID, fmt.Sprintf("Paid all fines (%d)", paid))
	})
	if err != nil {
		return 0, err
	}

	if paid > 0 {
		e.logger.Info("fines paid", "member_id", memberID, "count", paid)
	}
	return paid, nil
}

// OutstandingFines returns the total of memberID's unpaid fines in cents.
func (e *Engine) OutstandingFines(ctx context.Context, memberID uuid.UUID) (int64, error) {
	ds := e.db.Builder().From(goqu.T("fines").As("f")).
		Join(goqu.T("loans").As("l"), goqu.On(goqu.I("l.id").Eq(goqu.I("f.loan_id")))).
		Select(goqu.COALESCE(goqu.SUM("f.amount_cents"), 0)).
		Where(
			goqu.I("l.member_id").Eq(memberID),
			goqu.I("f.paid").IsFalse(),
		)
	return store.Retry(ctx, func() (int64, error) {
		var total int64
		err := store.Get(ctx, e.db, &total, ds)
		return total, err
	})
}

// Fines lists memberID's fines, newest first.
func (e *Engine) Fines(ctx context.Context, memberID uuid.UUID) ([]Fine, error) {
	cols := make([]interface{}, len(fineColumns))
	for i, c := range fineColumns {
		cols[i] = goqu.I("f." + c.(string))
	}
	ds := e.db.Builder().From(goqu.T("fines").As("f")).
		Join(goqu.T("loans").As("l"), goqu.On(goqu.I("l.id").Eq(goqu.I("f.loan_id")))).
		Select(cols...).
		Where(goqu.I("l.member_id").Eq(memberID)).
		Order(goqu.I("f.date_issued").Desc(), goqu.I("f.id").Desc())
	return store.Retry(ctx, func() ([]Fine, error) {
		var out []Fine
		err := store.Select(ctx, e.db, &out, ds)
		return out, err
	})
}

// Sweep assesses fines for every member holding an overdue, unfined loan and
// returns the number of fines created.
func (e *Engine) Sweep(ctx context.Context) (created int, err error) {
	ctx, span := e.start(ctx, "lending.sweep")
	defer func() { finish(span, err) }()

	var members []uuid.UUID
	ds := e.db.Builder().From("loans").
		SelectDistinct("member_id").
		Where(
			goqu.C("returned_date").IsNull(),
			goqu.C("due_date").Lt(e.now()),
			goqu.L("NOT EXISTS (SELECT 1 FROM fines WHERE fines.loan_id = loans.id)"),
		)
	if err := store.Select(ctx, e.db, &members, ds); err != nil {
		return 0, fmt.Errorf("find members with overdue loans: %w", err)
	}

	for _, m := range members {
		fines, err := e.CheckAndApplyFines(ctx, m)
		if err != nil {
			return created, err
		}
		created += len(fines)
	}
	span.SetAttributes(attribute.Int("fines.created", created))
	return created, nil
}
