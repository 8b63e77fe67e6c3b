package lending_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/store"
	"libranexus/lending/internal/store/storetest"
)

var epoch = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t      testing.TB
	db     *store.DB
	clock  *clock.Fake
	log    *activity.Log
	engine *lending.Engine
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	return fixtureOn(t, storetest.Open(t))
}

func fixtureOn(t testing.TB, db *store.DB) *fixture {
	t.Helper()
	fake := clock.NewFake(epoch)
	log := activity.NewLog(db, fake.Clock())
	return &fixture{
		t:      t,
		db:     db,
		clock:  fake,
		log:    log,
		engine: lending.NewEngine(db, log, fake.Clock(), lending.DefaultConfig(), storetest.Logger()),
	}
}

func (f *fixture) insert(ds *goqu.InsertDataset) {
	f.t.Helper()
	_, err := store.Exec(context.Background(), f.db, ds)
	require.NoError(f.t, err)
}

func (f *fixture) member(name string) uuid.UUID {
	f.t.Helper()
	id, err := uuid.NewV7()
	require.NoError(f.t, err)
	f.insert(f.db.Builder().Insert("members").Rows(goqu.Record{
		"id":         id,
		"email":      fmt.Sprintf("%s-%s@example.com", name, id),
		"name":       name,
		"is_admin":   false,
		"created_at": f.clock.Now(),
	}))
	return id
}

// book creates a book with n copies and returns the copy ids in allocation
// order.
func (f *fixture) book(title string, n int) (uuid.UUID, []uuid.UUID) {
	f.t.Helper()
	id, err := uuid.NewV7()
	require.NoError(f.t, err)
	f.insert(f.db.Builder().Insert("books").Rows(goqu.Record{
		"id":         id,
		"title":      title,
		"created_at": f.clock.Now(),
		"updated_at": f.clock.Now(),
	}))
	copies := make([]uuid.UUID, n)
	for i := range copies {
		copies[i] = f.addCopy(id)
	}
	return id, copies
}

func (f *fixture) addCopy(bookID uuid.UUID) uuid.UUID {
	f.t.Helper()
	id, err := uuid.NewV7()
	require.NoError(f.t, err)
	f.insert(f.db.Builder().Insert("copies").Rows(goqu.Record{
		"id":         id,
		"book_id":    bookID,
		"available":  true,
		"created_at": f.clock.Now(),
	}))
	return id
}

func (f *fixture) retire(copyID uuid.UUID) {
	f.t.Helper()
	upd := f.db.Builder().Update("copies").
		Set(goqu.Record{"retired_at": f.clock.Now()}).
		Where(goqu.C("id").Eq(copyID))
	_, err := store.Exec(context.Background(), f.db, upd)
	require.NoError(f.t, err)
}

func (f *fixture) count(ds *goqu.SelectDataset) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, store.Get(context.Background(), f.db, &n, ds.Select(goqu.COUNT("*"))))
	return n
}

func (f *fixture) available(bookID uuid.UUID) int {
	f.t.Helper()
	return f.count(f.db.Builder().From("copies").Where(
		goqu.C("book_id").Eq(bookID),
		goqu.C("available").IsTrue(),
		goqu.C("retired_at").IsNull(),
	))
}

func (f *fixture) activeLoans(bookID uuid.UUID) int {
	f.t.Helper()
	return f.count(f.db.Builder().From("loans").Where(
		goqu.C("book_id").Eq(bookID),
		goqu.C("returned_date").IsNull(),
	))
}

func (f *fixture) finesFor(loanID uuid.UUID) int {
	f.t.Helper()
	return f.count(f.db.Builder().From("fines").Where(goqu.C("loan_id").Eq(loanID)))
}

func (f *fixture) actions(memberID uuid.UUID) []string {
	f.t.Helper()
	entries, err := f.log.List(context.Background(), memberID, 100)
	require.NoError(f.t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}
