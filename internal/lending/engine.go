package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/store"
)

// Recorder appends member actions to the activity log inside the
// transaction that performed them.
type Recorder interface {
	Append(ctx context.Context, tx *store.Tx, memberID uuid.UUID, action string) error
}

// Config holds the lending policy knobs.
type Config struct {
	LoanPeriod  time.Duration
	FineCents   int64
	BorrowLimit int
}

// DefaultConfig is a 14 day loan, a flat $20 fine and a limit of 3.
func DefaultConfig() Config {
	return Config{
		LoanPeriod:  14 * 24 * time.Hour,
		FineCents:   2000,
		BorrowLimit: DefaultBorrowLimit,
	}
}

var loanColumns = []interface{}{
	"id", "member_id", "copy_id", "book_id", "borrow_date", "due_date", "returned_date", "status",
}

// Engine runs borrow, return, reservation and fine operations against the
// store. It keeps no state between calls; each operation is one store
// transaction, so any number of engines may share a store.
type Engine struct {
	db        *store.DB
	recorder  Recorder
	now       clock.Clock
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics
	allocator allocator
	guard     guard
}

// NewEngine returns an engine over db. Zero fields of cfg take their
// DefaultConfig values.
func NewEngine(db *store.DB, recorder Recorder, now clock.Clock, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.LoanPeriod <= 0 {
		cfg.LoanPeriod = def.LoanPeriod
	}
	if cfg.FineCents <= 0 {
		cfg.FineCents = def.FineCents
	}
	if cfg.BorrowLimit <= 0 {
		cfg.BorrowLimit = def.BorrowLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:       db,
		recorder: recorder,
		now:      now,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("libranexus/lending"),
		metrics:  newMetrics(),
		guard:    guard{limit: cfg.BorrowLimit},
	}
}

// Config returns the policy the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("lending.reason", Reason(err)))
	}
	span.End()
}

// Borrow lends memberID a copy of bookID. Outstanding fines are assessed
// first. On any failure nothing is written.
func (e *Engine) Borrow(ctx context.Context, memberID, bookID uuid.UUID) (loan *Loan, err error) {
	ctx, span := e.start(ctx, "lending.borrow",
		attribute.String("member.id", memberID.String()),
		attribute.String("book.id", bookID.String()),
	)
	defer func() { finish(span, err) }()

	if _, err := e.CheckAndApplyFines(ctx, memberID); err != nil {
		return nil, err
	}

	err = e.db.WithTx(ctx, "lending.borrow", func(ctx context.Context, tx *store.Tx) error {
		now := e.now()
		if err := lockMember(ctx, tx, memberID); err != nil {
			return err
		}
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		if err := e.guard.check(ctx, tx, memberID, bookID, acquireLoan, now); err != nil {
			return err
		}

		copyID, err := e.allocator.allocate(ctx, tx, bookID)
		if err != nil {
			return err
		}

		loan, err = e.insertLoan(ctx, tx, memberID, copyID, bookID, now)
		if err != nil {
			return err
		}

		// A borrow fulfils the member's own reservation for the book.
		del := tx.Builder().Delete("reservations").Where(
			goqu.C("member_id").Eq(memberID),
			goqu.C("book_id").Eq(bookID),
		)
		if _, err := store.Exec(ctx, tx, del); err != nil {
			return fmt.Errorf("clear fulfilled reservation: %w", err)
		}

		return e.recorder.Append(ctx, tx, memberID,
			fmt.Sprintf("Borrowed book %s using copy %s", bookID, copyID))
	})
	if err != nil {
		return nil, err
	}

	e.metrics.loanCreated(ctx, "borrow")
	e.logger.Info("loan created", "loan_id", loan.ID, "member_id", memberID, "book_id", bookID, "copy_id", loan.CopyID)
	return loan, nil
}

// Return closes loanID, frees its copy and hands the copy to the next
// reserver of the book, all in one transaction. Returning a loan that is
// already returned changes nothing and reports AlreadyReturned.
func (e *Engine) Return(ctx context.Context, loanID uuid.UUID) (result *ReturnResult, err error) {
	ctx, span := e.start(ctx, "lending.return", attribute.String("loan.id", loanID.String()))
	defer func() { finish(span, err) }()

	err = e.db.WithTx(ctx, "lending.return", func(ctx context.Context, tx *store.Tx) error {
		now := e.now()
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.Status == StatusReturned {
			result = &ReturnResult{Loan: *loan, AlreadyReturned: true}
			return nil
		}

		upd := tx.Builder().Update("loans").
			Set(goqu.Record{
				"status":        string(StatusReturned),
				"returned_date": now,
			}).
			Where(goqu.C("id").Eq(loanID), goqu.C("returned_date").IsNull())
		if _, err := store.Exec(ctx, tx, upd); err != nil {
			return fmt.Errorf("mark loan returned: %w", err)
		}
		loan.Status = StatusReturned
		loan.ReturnedDate = &now

		if err := e.allocator.release(ctx, tx, loan.CopyID); err != nil {
			return err
		}
		if err := e.recorder.Append(ctx, tx, loan.MemberID,
			fmt.Sprintf("Returned copy %s of book %s", loan.CopyID, loan.BookID)); err != nil {
			return err
		}

		result = &ReturnResult{Loan: *loan}
		promo, err := e.promote(ctx, tx, loan.BookID, now)
		switch {
		case err == nil:
			result.Promotion = promo
		case errors.Is(err, ErrNoReserver):
		case errors.Is(err, ErrAllocationFailed):
			e.logger.Warn("released copy not handed to next reserver", "book_id", loan.BookID, "error", err)
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyReturned {
		e.metrics.loanReturned(ctx)
		e.logger.Info("loan returned", "loan_id", loanID, "member_id", result.Loan.MemberID)
	}
	if result.Promotion != nil {
		e.metrics.promoted(ctx)
		e.metrics.loanCreated(ctx, "promotion")
		e.logger.Info("reservation promoted", "book_id", result.Loan.BookID,
			"member_id", result.Promotion.Reservation.MemberID, "loan_id", result.Promotion.Loan.ID)
	}
	return result, nil
}

// CanBorrow reports whether memberID may borrow bookID right now, without
// allocating anything.
func (e *Engine) CanBorrow(ctx context.Context, memberID, bookID uuid.UUID) error {
	return e.eligible(ctx, memberID, bookID, acquireLoan)
}

// CanReserve reports whether memberID may reserve bookID right now.
func (e *Engine) CanReserve(ctx context.Context, memberID, bookID uuid.UUID) error {
	return e.eligible(ctx, memberID, bookID, acquireReservation)
}

func (e *Engine) eligible(ctx context.Context, memberID, bookID uuid.UUID, kind acquisition) (err error) {
	ctx, span := e.start(ctx, "lending.eligible",
		attribute.String("member.id", memberID.String()),
		attribute.String("book.id", bookID.String()),
	)
	defer func() { finish(span, err) }()

	return e.db.WithTx(ctx, "lending.eligible", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureMember(ctx, tx, memberID); err != nil {
			return err
		}
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		return e.guard.check(ctx, tx, memberID, bookID, kind, e.now())
	})
}

// Loan returns a single loan.
func (e *Engine) Loan(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	ds := e.db.Builder().From("loans").Select(loanColumns...).Where(goqu.C("id").Eq(loanID))
	loan, err := store.Retry(ctx, func() (*Loan, error) {
		var l Loan
		if err := store.Get(ctx, e.db, &l, ds); err != nil {
			return nil, err
		}
		return &l, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLoanNotFound
	}
	return loan, err
}

// Loans returns the member's loans, newest first. With activeOnly, returned
// loans are left out.
func (e *Engine) Loans(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]Loan, error) {
	ds := e.db.Builder().From("loans").
		Select(loanColumns...).
		Where(goqu.C("member_id").Eq(memberID)).
		Order(goqu.C("borrow_date").Desc(), goqu.C("id").Desc())
	if activeOnly {
		ds = ds.Where(goqu.C("returned_date").IsNull())
	}
	return store.Retry(ctx, func() ([]Loan, error) {
		var loans []Loan
		err := store.Select(ctx, e.db, &loans, ds)
		return loans, err
	})
}

func (e *Engine) insertLoan(ctx context.Context, tx *store.Tx, memberID, copyID, bookID uuid.UUID, now time.Time) (*Loan, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate loan id: %w", err)
	}
	loan := &Loan{
		ID:         id,
		MemberID:   memberID,
		CopyID:     copyID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    now.Add(e.cfg.LoanPeriod),
		Status:     StatusBorrowed,
	}
	ins := tx.Builder().Insert("loans").Rows(goqu.Record{
		"id":          loan.ID,
		"member_id":   loan.MemberID,
		"copy_id":     loan.CopyID,
		"book_id":     loan.BookID,
		"borrow_date": loan.BorrowDate,
		"due_date":    loan.DueDate,
		"status":      string(loan.Status),
	})
	if _, err := store.Exec(ctx, tx, ins); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, ErrAlreadyBorrowed
		}
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	return loan, nil
}

// lockMember takes the member row lock that serialises every acquisition by
// one member.
func lockMember(ctx context.Context, tx *store.Tx, memberID uuid.UUID) error {
	ds := tx.Builder().From("members").Select("id").Where(goqu.C("id").Eq(memberID))
	return existsOr(ctx, tx, tx.ForUpdate(ds, false), ErrMemberNotFound)
}

func ensureMember(ctx context.Context, tx *store.Tx, memberID uuid.UUID) error {
	ds := tx.Builder().From("members").Select("id").Where(goqu.C("id").Eq(memberID))
	return existsOr(ctx, tx, ds, ErrMemberNotFound)
}

func ensureBook(ctx context.Context, tx *store.Tx, bookID uuid.UUID) error {
	ds := tx.Builder().From("books").Select("id").Where(goqu.C("id").Eq(bookID))
	return existsOr(ctx, tx, ds, ErrBookNotFound)
}

func existsOr(ctx context.Context, tx *store.Tx, ds *goqu.SelectDataset, notFound error) error {
	var id uuid.UUID
	err := store.Get(ctx, tx, &id, ds)
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return err
}

func lockLoan(ctx context.Context, tx *store.Tx, loanID uuid.UUID) (*Loan, error) {
	ds := tx.Builder().From("loans").Select(loanColumns...).Where(goqu.C("id").Eq(loanID))
	var loan Loan
	if err := store.Get(ctx, tx, &loan, tx.ForUpdate(ds, false)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("load loan: %w", err)
	}
	return &loan, nil
}
