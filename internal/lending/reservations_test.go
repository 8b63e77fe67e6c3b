package lending_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/lending"
)

func TestReturnPromotesEarliestReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder, early, late := f.member("holder"), f.member("early"), f.member("late")
	book, copies := f.book("Dune", 1)

	loan, err := f.engine.Borrow(ctx, holder, book)
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, early, book)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	lateRes, err := f.engine.Reserve(ctx, late, book)
	require.NoError(t, err)

	next, err := f.engine.PeekNext(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, early, next.MemberID)

	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Promotion)
	assert.Equal(t, early, res.Promotion.Reservation.MemberID)
	assert.Equal(t, early, res.Promotion.Loan.MemberID)
	assert.Equal(t, copies[0], res.Promotion.Loan.CopyID)

	queue, err := f.engine.Queue(ctx, book)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, lateRes.ID, queue[0].ID)
	assert.Equal(t, 0, f.available(book))

	assert.Contains(t, f.actions(early)[0], "Received book "+book.String())
}

func TestQueueBreaksDateTiesByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book, _ := f.book("Dune", 0)

	var want []uuid.UUID
	for i := 0; i < 4; i++ {
		res, err := f.engine.Reserve(ctx, f.member("reader"), book)
		require.NoError(t, err)
		want = append(want, res.ID)
	}

	queue, err := f.engine.Queue(ctx, book)
	require.NoError(t, err)
	var got []uuid.UUID
	for _, r := range queue {
		assert.True(t, r.ReservationDate.Equal(epoch))
		got = append(got, r.ID)
	}
	assert.Equal(t, want, got)

	next, err := f.engine.PeekNext(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, want[0], next.ID)
}

func TestReserveRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	borrowed, _ := f.book("Borrowed", 1)
	reserved, _ := f.book("Reserved", 0)

	_, err := f.engine.Borrow(ctx, member, borrowed)
	require.NoError(t, err)
	_, err = f.engine.Reserve(ctx, member, reserved)
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, member, borrowed)
	assert.ErrorIs(t, err, lending.ErrAlreadyBorrowed)

	_, err = f.engine.Reserve(ctx, member, reserved)
	assert.ErrorIs(t, err, lending.ErrAlreadyReserved)

	_, err = f.engine.Reserve(ctx, member, uuid.New())
	assert.ErrorIs(t, err, lending.ErrBookNotFound)

	queue, err := f.engine.Queue(ctx, reserved)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestReserveWhileCopiesAreFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 2)

	res, err := f.engine.Reserve(ctx, member, book)
	require.NoError(t, err)
	assert.Equal(t, epoch, res.ReservationDate)
	assert.Equal(t, 2, f.available(book))
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 0)

	_, err := f.engine.Reserve(ctx, member, book)
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelReservation(ctx, member, book))

	err = f.engine.CancelReservation(ctx, member, book)
	require.ErrorIs(t, err, lending.ErrReservationNotFound)
	assert.Equal(t, lending.KindNotFound, lending.KindOf(err))

	_, err = f.engine.PeekNext(ctx, book)
	assert.ErrorIs(t, err, lending.ErrNoReserver)
	assert.Contains(t, f.actions(member)[0], "Cancelled reservation")
}

func TestPromoteWithoutReserver(t *testing.T) {
	f := newFixture(t)
	book, _ := f.book("Dune", 1)

	_, err := f.engine.Promote(context.Background(), book)
	require.ErrorIs(t, err, lending.ErrNoReserver)
	assert.Equal(t, 1, f.available(book))
}

func TestPromoteWithoutCopyKeepsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 0)

	res, err := f.engine.Reserve(ctx, member, book)
	require.NoError(t, err)

	_, err = f.engine.Promote(ctx, book)
	require.ErrorIs(t, err, lending.ErrAllocationFailed)
	assert.ErrorIs(t, err, lending.ErrNoAvailableCopy)
	assert.Equal(t, "allocation_failed", lending.Reason(err))

	next, err := f.engine.PeekNext(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, res.ID, next.ID)
}

func TestPromoteAfterCopyIsAdded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 0)

	_, err := f.engine.Reserve(ctx, member, book)
	require.NoError(t, err)

	copyID := f.addCopy(book)
	promo, err := f.engine.Promote(ctx, book)
	require.NoError(t, err)

	assert.Equal(t, member, promo.Loan.MemberID)
	assert.Equal(t, copyID, promo.Loan.CopyID)
	assert.Equal(t, lending.StatusBorrowed, promo.Loan.Status)
	assert.Equal(t, 0, f.available(book))

	reservations, err := f.engine.Reservations(ctx, member)
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func TestPromotionKeepsReserverWithinLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	wanted, _ := f.book("Wanted", 0)

	_, err := f.engine.Reserve(ctx, member, wanted)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		book, _ := f.book("Held", 1)
		_, err := f.engine.Borrow(ctx, member, book)
		require.NoError(t, err)
	}

	f.addCopy(wanted)
	_, err = f.engine.Promote(ctx, wanted)
	require.NoError(t, err)

	active, err := f.engine.Loans(ctx, member, true)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestReturnWithReserverButRetiredCopyKeepsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder, waiting := f.member("holder"), f.member("waiting")
	book, copies := f.book("Dune", 1)

	loan, err := f.engine.Borrow(ctx, holder, book)
	require.NoError(t, err)
	_, err = f.engine.Reserve(ctx, waiting, book)
	require.NoError(t, err)

	f.retire(copies[0])
	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Promotion)
	assert.Equal(t, lending.StatusReturned, res.Loan.Status)

	next, err := f.engine.PeekNext(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, waiting, next.MemberID)
}
