package audit

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"libranexus/lending/internal/store"
)

var zero = Threshold{Operator: "==", Value: 0}

// Invariants returns the lending invariants as metrics that count offending
// rows. Every one of them must read zero.
func Invariants(db *store.DB, limit int) []Metric {
	return []Metric{
		{Name: "members_over_limit", Query: overLimit(db, limit), Threshold: zero},
		{Name: "copies_lent_twice", Query: lentTwice(db), Threshold: zero},
		{Name: "availability_mismatches", Query: availabilityMismatches(db), Threshold: zero},
		{Name: "loans_fined_twice", Query: finedTwice(db), Threshold: zero},
		{Name: "reservations_for_held_books", Query: reservedWhileHeld(db), Threshold: zero},
	}
}

type memberCount struct {
	MemberID uuid.UUID `db:"member_id"`
	N        int       `db:"n"`
}

func overLimit(db *store.DB, limit int) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var loans, reservations []memberCount
		ls := db.Builder().From("loans").
			Select(goqu.C("member_id"), goqu.COUNT("*").As("n")).
			Where(goqu.C("returned_date").IsNull()).
			GroupBy("member_id")
		if err := store.Select(ctx, db, &loans, ls); err != nil {
			return 0, fmt.Errorf("count loans: %w", err)
		}
		rs := db.Builder().From("reservations").
			Select(goqu.C("member_id"), goqu.COUNT("*").As("n")).
			GroupBy("member_id")
		if err := store.Select(ctx, db, &reservations, rs); err != nil {
			return 0, fmt.Errorf("count reservations: %w", err)
		}

		held := make(map[uuid.UUID]int)
		for _, c := range loans {
			held[c.MemberID] += c.N
		}
		for _, c := range reservations {
			held[c.MemberID] += c.N
		}
		over := 0
		for _, n := range held {
			if n > limit {
				over++
			}
		}
		return float64(over), nil
	}
}

func lentTwice(db *store.DB) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var ids []uuid.UUID
		ds := db.Builder().From("loans").
			Select("copy_id").
			Where(goqu.C("returned_date").IsNull()).
			GroupBy("copy_id").
			Having(goqu.COUNT("*").Gt(1))
		if err := store.Select(ctx, db, &ids, ds); err != nil {
			return 0, fmt.Errorf("find copies lent twice: %w", err)
		}
		return float64(len(ids)), nil
	}
}

// availabilityMismatches counts copies whose available flag disagrees with
// whether an active loan holds them.
func availabilityMismatches(db *store.DB) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var copies []struct {
			ID        uuid.UUID `db:"id"`
			Available bool      `db:"available"`
		}
		if err := store.Select(ctx, db, &copies, db.Builder().From("copies").Select("id", "available")); err != nil {
			return 0, fmt.Errorf("load copies: %w", err)
		}
		var lent []uuid.UUID
		ls := db.Builder().From("loans").Select("copy_id").Where(goqu.C("returned_date").IsNull())
		if err := store.Select(ctx, db, &lent, ls); err != nil {
			return 0, fmt.Errorf("load lent copies: %w", err)
		}

		onLoan := make(map[uuid.UUID]bool, len(lent))
		for _, id := range lent {
			onLoan[id] = true
		}
		mismatched := 0
		for _, c := range copies {
			if c.Available == onLoan[c.ID] {
				mismatched++
			}
		}
		return float64(mismatched), nil
	}
}

func finedTwice(db *store.DB) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var ids []uuid.UUID
		ds := db.Builder().From("fines").
			Select("loan_id").
			GroupBy("loan_id").
			Having(goqu.COUNT("*").Gt(1))
		if err := store.Select(ctx, db, &ids, ds); err != nil {
			return 0, fmt.Errorf("find loans fined twice: %w", err)
		}
		return float64(len(ids)), nil
	}
}

func reservedWhileHeld(db *store.DB) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var n int
		ds := db.Builder().From(goqu.T("reservations").As("r")).
			Join(goqu.T("loans").As("l"), goqu.On(
				goqu.I("l.member_id").Eq(goqu.I("r.member_id")),
				goqu.I("l.book_id").Eq(goqu.I("r.book_id")),
			)).
			Select(goqu.COUNT("*")).
			Where(goqu.I("l.returned_date").IsNull())
		if err := store.Get(ctx, db, &n, ds); err != nil {
			return 0, fmt.Errorf("find reservations for held books: %w", err)
		}
		return float64(n), nil
	}
}
