package lending

import (
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the lifecycle state of a loan. A loan moves from borrowed to
// overdue when it is fined, and from either to returned. Nothing leaves
// returned.
type LoanStatus string

const (
	StatusBorrowed LoanStatus = "borrowed"
	StatusOverdue  LoanStatus = "overdue"
	StatusReturned LoanStatus = "returned"
)

// Active reports whether the loan still holds its copy.
func (s LoanStatus) Active() bool {
	return s == StatusBorrowed || s == StatusOverdue
}

// Loan is a borrow transaction: one copy held by one member.
type Loan struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	MemberID     uuid.UUID  `json:"member_id" db:"member_id"`
	CopyID       uuid.UUID  `json:"copy_id" db:"copy_id"`
	BookID       uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowDate   time.Time  `json:"borrow_date" db:"borrow_date"`
	DueDate      time.Time  `json:"due_date" db:"due_date"`
	ReturnedDate *time.Time `json:"returned_date,omitempty" db:"returned_date"`
	Status       LoanStatus `json:"status" db:"status"`
}

// Overdue reports whether the loan blocks its member at now: it was already
// marked overdue, or it is still out past its due date.
func (l Loan) Overdue(now time.Time) bool {
	return l.Status == StatusOverdue || (l.Status == StatusBorrowed && l.DueDate.Before(now))
}

// Reservation is a member's place in the queue for a book.
type Reservation struct {
	ID              uuid.UUID `json:"id" db:"id"`
	MemberID        uuid.UUID `json:"member_id" db:"member_id"`
	BookID          uuid.UUID `json:"book_id" db:"book_id"`
	ReservationDate time.Time `json:"reservation_date" db:"reservation_date"`
}

// Fine is the single penalty attached to an overdue loan.
type Fine struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	LoanID      uuid.UUID  `json:"loan_id" db:"loan_id"`
	AmountCents int64      `json:"amount_cents" db:"amount_cents"`
	DateIssued  time.Time  `json:"date_issued" db:"date_issued"`
	Paid        bool       `json:"paid" db:"paid"`
	PaymentDate *time.Time `json:"payment_date,omitempty" db:"payment_date"`
}

// Promotion records a reservation that was turned into a loan.
type Promotion struct {
	Reservation Reservation `json:"reservation"`
	Loan        Loan        `json:"loan"`
}

// ReturnResult describes what a return did. AlreadyReturned is set when the
// loan had been returned before and nothing changed.
type ReturnResult struct {
	Loan            Loan       `json:"loan"`
	AlreadyReturned bool       `json:"already_returned"`
	Promotion       *Promotion `json:"promotion,omitempty"`
}
