package lending

import (
	"errors"

	"libranexus/lending/internal/store"
)

// Kind groups failures by how a caller should react to them.
type Kind int

const (
	// KindStoreFailure is an infrastructure failure. Reads may be retried.
	KindStoreFailure Kind = iota
	// KindPolicyViolation means the member is not allowed to do this now.
	KindPolicyViolation
	// KindResourceUnavailable means no copy is free; retry after a return.
	KindResourceUnavailable
	// KindNotFound means the caller referred to something that does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindPolicyViolation:
		return "policy_violation"
	case KindResourceUnavailable:
		return "resource_unavailable"
	case KindNotFound:
		return "not_found"
	default:
		return "store_failure"
	}
}

var (
	ErrAlreadyBorrowed = errors.New("member already has an active loan for this book")
	ErrAlreadyReserved = errors.New("member already has a reservation for this book")
	ErrOverdueBlock    = errors.New("member has an overdue loan")
	ErrLimitReached    = errors.New("member has reached the borrow and reservation limit")

	ErrNoAvailableCopy  = errors.New("no available copy of this book")
	ErrAllocationFailed = errors.New("could not allocate a copy to the next reserver")

	ErrLoanNotFound        = errors.New("loan not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrNoReserver          = errors.New("no reservation queued for this book")
	ErrMemberNotFound      = errors.New("member not found")
	ErrBookNotFound        = errors.New("book not found")
)

var reasons = []struct {
	err  error
	kind Kind
	code string
}{
	{ErrAlreadyBorrowed, KindPolicyViolation, "already_borrowed"},
	{ErrAlreadyReserved, KindPolicyViolation, "already_reserved"},
	{ErrOverdueBlock, KindPolicyViolation, "overdue_block"},
	{ErrLimitReached, KindPolicyViolation, "limit_reached"},
	{ErrAllocationFailed, KindResourceUnavailable, "allocation_failed"},
	{ErrNoAvailableCopy, KindResourceUnavailable, "no_available_copy"},
	{ErrLoanNotFound, KindNotFound, "loan_not_found"},
	{ErrReservationNotFound, KindNotFound, "reservation_not_found"},
	{ErrNoReserver, KindNotFound, "no_reserver"},
	{ErrMemberNotFound, KindNotFound, "member_not_found"},
	{ErrBookNotFound, KindNotFound, "book_not_found"},
}

// KindOf classifies err. Errors the engine does not recognise are store
// failures.
func KindOf(err error) Kind {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.kind
		}
	}
	return KindStoreFailure
}

// Reason returns a stable machine-readable code for err.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	if store.IsFailure(err) {
		return "store_failure"
	}
	return "internal"
}

// FromReason returns the sentinel error for a code produced by Reason, or nil
// when the code is not a lending reason.
func FromReason(code string) error {
	for _, r := range reasons {
		if r.code == code {
			return r.err
		}
	}
	return nil
}
