package lending_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/lending"
)

func TestBorrowAllocatesLowestFreeCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, copies := f.book("Dune", 3)

	loan, err := f.engine.Borrow(ctx, member, book)
	require.NoError(t, err)

	assert.Equal(t, copies[0], loan.CopyID)
	assert.Equal(t, lending.StatusBorrowed, loan.Status)
	assert.Equal(t, epoch, loan.BorrowDate)
	assert.Equal(t, epoch.Add(14*24*time.Hour), loan.DueDate)
	assert.Nil(t, loan.ReturnedDate)
	assert.Equal(t, 2, f.available(book))

	stored, err := f.engine.Loan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.CopyID, stored.CopyID)
	assert.True(t, stored.DueDate.Equal(loan.DueDate))

	assert.Contains(t, f.actions(member)[0], "Borrowed book "+book.String())
}

func TestBorrowWithoutFreeCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, second := f.member("ada"), f.member("grace")
	book, _ := f.book("Dune", 1)

	_, err := f.engine.Borrow(ctx, first, book)
	require.NoError(t, err)

	_, err = f.engine.Borrow(ctx, second, book)
	require.ErrorIs(t, err, lending.ErrNoAvailableCopy)
	assert.Equal(t, lending.KindResourceUnavailable, lending.KindOf(err))

	loans, err := f.engine.Loans(ctx, second, false)
	require.NoError(t, err)
	assert.Empty(t, loans)
	assert.Empty(t, f.actions(second))
}

func TestBorrowSameBookTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 2)

	_, err := f.engine.Borrow(ctx, member, book)
	require.NoError(t, err)

	_, err = f.engine.Borrow(ctx, member, book)
	require.ErrorIs(t, err, lending.ErrAlreadyBorrowed)
	assert.Equal(t, 1, f.available(book))
}

func TestBorrowUnknownMemberOrBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 1)

	_, err := f.engine.Borrow(ctx, uuid.New(), book)
	assert.ErrorIs(t, err, lending.ErrMemberNotFound)

	_, err = f.engine.Borrow(ctx, member, uuid.New())
	assert.ErrorIs(t, err, lending.ErrBookNotFound)

	assert.Equal(t, 1, f.available(book))
}

func TestBorrowLimitCountsLoansAndReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")

	for i := 0; i < 2; i++ {
		book, _ := f.book("Borrowed", 1)
		_, err := f.engine.Borrow(ctx, member, book)
		require.NoError(t, err)
	}
	reserved, _ := f.book("Reserved", 0)
	_, err := f.engine.Reserve(ctx, member, reserved)
	require.NoError(t, err)

	fourth, _ := f.book("Fourth", 1)
	_, err = f.engine.Borrow(ctx, member, fourth)
	require.ErrorIs(t, err, lending.ErrLimitReached)
	assert.Equal(t, lending.KindPolicyViolation, lending.KindOf(err))

	_, err = f.engine.Reserve(ctx, member, fourth)
	require.ErrorIs(t, err, lending.ErrLimitReached)

	assert.Equal(t, 1, f.available(fourth))
	queue, err := f.engine.Queue(ctx, fourth)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestBorrowingAReservedBookConsumesTheReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")

	for i := 0; i < 2; i++ {
		book, _ := f.book("Borrowed", 1)
		_, err := f.engine.Borrow(ctx, member, book)
		require.NoError(t, err)
	}
	wanted, _ := f.book("Wanted", 0)
	_, err := f.engine.Reserve(ctx, member, wanted)
	require.NoError(t, err)

	f.addCopy(wanted)
	_, err = f.engine.Borrow(ctx, member, wanted)
	require.NoError(t, err)

	reservations, err := f.engine.Reservations(ctx, member)
	require.NoError(t, err)
	assert.Empty(t, reservations)

	active, err := f.engine.Loans(ctx, member, true)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestConcurrentBorrowsOfLastCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book, copies := f.book("Dune", 1)

	const borrowers = 8
	members := make([]uuid.UUID, borrowers)
	for i := range members {
		members[i] = f.member("reader")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  []*lending.Loan
		errs []error
	)
	for _, m := range members {
		wg.Add(1)
		go func(m uuid.UUID) {
			defer wg.Done()
			loan, err := f.engine.Borrow(ctx, m, book)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			won = append(won, loan)
		}(m)
	}
	wg.Wait()

	require.Len(t, won, 1)
	assert.Equal(t, copies[0], won[0].CopyID)
	require.Len(t, errs, borrowers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, lending.ErrNoAvailableCopy)
	}
	assert.Equal(t, 0, f.available(book))
	assert.Equal(t, 1, f.activeLoans(book))
}

func TestConcurrentBorrowsBySameMemberStopAtLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")

	books := make([]uuid.UUID, 6)
	for i := range books {
		books[i], _ = f.book("Stack", 1)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for _, b := range books {
		wg.Add(1)
		go func(b uuid.UUID) {
			defer wg.Done()
			_, err := f.engine.Borrow(ctx, member, b)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, lending.ErrLimitReached):
				rejected++
			}
		}(b)
	}
	wg.Wait()

	assert.Equal(t, lending.DefaultBorrowLimit, ok)
	assert.Equal(t, len(books)-lending.DefaultBorrowLimit, rejected)

	active, err := f.engine.Loans(ctx, member, true)
	require.NoError(t, err)
	assert.Len(t, active, lending.DefaultBorrowLimit)
}

func TestReturnReleasesCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 1)

	loan, err := f.engine.Borrow(ctx, member, book)
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)

	assert.False(t, res.AlreadyReturned)
	assert.Nil(t, res.Promotion)
	assert.Equal(t, lending.StatusReturned, res.Loan.Status)
	require.NotNil(t, res.Loan.ReturnedDate)
	assert.Equal(t, f.clock.Now(), *res.Loan.ReturnedDate)
	assert.Equal(t, 1, f.available(book))
	assert.Contains(t, f.actions(member)[0], "Returned copy "+loan.CopyID.String())
}

func TestReturnTwiceDoesNotReleaseAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, second := f.member("ada"), f.member("grace")
	book, _ := f.book("Dune", 1)

	loan, err := f.engine.Borrow(ctx, first, book)
	require.NoError(t, err)
	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)

	next, err := f.engine.Borrow(ctx, second, book)
	require.NoError(t, err)
	require.Equal(t, loan.CopyID, next.CopyID)

	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyReturned)
	assert.Equal(t, 0, f.available(book))

	held, err := f.engine.Loan(ctx, next.ID)
	require.NoError(t, err)
	assert.True(t, held.Status.Active())
}

func TestReturnUnknownLoan(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Return(context.Background(), uuid.New())
	require.ErrorIs(t, err, lending.ErrLoanNotFound)
	assert.Equal(t, lending.KindNotFound, lending.KindOf(err))
}

func TestRetiredCopiesAreNeverAllocated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, copies := f.book("Dune", 2)
	f.retire(copies[0])

	loan, err := f.engine.Borrow(ctx, member, book)
	require.NoError(t, err)
	assert.Equal(t, copies[1], loan.CopyID)

	f.retire(copies[1])
	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)

	_, err = f.engine.Borrow(ctx, f.member("grace"), book)
	assert.ErrorIs(t, err, lending.ErrNoAvailableCopy)
}

func TestEligibilityChecksWriteNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.member("ada")
	book, _ := f.book("Dune", 1)

	require.NoError(t, f.engine.CanBorrow(ctx, member, book))
	require.NoError(t, f.engine.CanReserve(ctx, member, book))
	assert.Equal(t, 1, f.available(book))
	assert.Empty(t, f.actions(member))

	_, err := f.engine.Borrow(ctx, member, book)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.CanBorrow(ctx, member, book), lending.ErrAlreadyBorrowed)
	assert.ErrorIs(t, f.engine.CanReserve(ctx, member, book), lending.ErrAlreadyBorrowed)
	assert.ErrorIs(t, f.engine.CanBorrow(ctx, uuid.New(), book), lending.ErrMemberNotFound)
}

func TestAvailableCopiesMatchActiveLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book, copies := f.book("Dune", 4)

	var loans []*lending.Loan
	for i := 0; i < 3; i++ {
		loan, err := f.engine.Borrow(ctx, f.member("reader"), book)
		require.NoError(t, err)
		loans = append(loans, loan)
		assert.Equal(t, len(copies)-f.activeLoans(book), f.available(book))
	}
	for _, loan := range loans {
		_, err := f.engine.Return(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, len(copies)-f.activeLoans(book), f.available(book))
	}
}
