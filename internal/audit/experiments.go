package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/membership"
)

// Target is the lending system an experiment drives, either in process or
// over HTTP.
type Target interface {
	AddMember(ctx context.Context, name string) (uuid.UUID, error)
	AddBook(ctx context.Context, actor uuid.UUID, title string, copies int) (uuid.UUID, error)
	Borrow(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error)
	Return(ctx context.Context, loanID uuid.UUID) error
	Reserve(ctx context.Context, memberID, bookID uuid.UUID) error
}

// Local drives the services in process.
type Local struct {
	Catalog catalog.Service
	Members membership.Service
	Engine  *lending.Engine
}

func (l Local) AddMember(ctx context.Context, name string) (uuid.UUID, error) {
	m, err := l.Members.RegisterMember(ctx, membership.Registration{
		Email:    fmt.Sprintf("audit-%s@example.com", uuid.NewString()),
		Name:     name,
		Password: uuid.NewString(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	return m.ID, nil
}

func (l Local) AddBook(ctx context.Context, actor uuid.UUID, title string, copies int) (uuid.UUID, error) {
	b, err := l.Catalog.AddBook(ctx, actor, catalog.NewBook{Title: title, Copies: copies})
	if err != nil {
		return uuid.Nil, err
	}
	return b.ID, nil
}

func (l Local) Borrow(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error) {
	loan, err := l.Engine.Borrow(ctx, memberID, bookID)
	if err != nil {
		return uuid.Nil, err
	}
	return loan.ID, nil
}

func (l Local) Return(ctx context.Context, loanID uuid.UUID) error {
	_, err := l.Engine.Return(ctx, loanID)
	return err
}

func (l Local) Reserve(ctx context.Context, memberID, bookID uuid.UUID) error {
	_, err := l.Engine.Reserve(ctx, memberID, bookID)
	return err
}

// BorrowRace has contenders members borrow the only copy of a new book at
// the same time. Exactly one may win.
func BorrowRace(target Target, steady []Metric, contenders int) Experiment {
	var winners, refusals atomic.Int64

	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Exactly one of many simultaneous borrowers gets the last copy",
		SteadyState: steady,
		Method: []Action{{
			Name: "borrow-single-copy",
			Execute: func(ctx context.Context) error {
				winners.Store(0)
				refusals.Store(0)

				book, members, err := seed(ctx, target, "race", 1, contenders)
				if err != nil {
					return err
				}
				return race(members, func(m uuid.UUID) error {
					_, err := target.Borrow(ctx, m, book)
					return tally(err, &winners, &refusals)
				})
			},
		}},
		Outcome: []Metric{
			{Name: "race_winners", Query: counter(&winners), Threshold: Threshold{Operator: "==", Value: 1}},
			{Name: "race_refusals", Query: counter(&refusals), Threshold: Threshold{Operator: "==", Value: float64(contenders - 1)}},
		},
	}
}

// ReturnRace queues reservers behind a lent copy, then returns it while
// walk-in members try to borrow the same book. The copy must go to the head
// of the queue, never to a walk-in.
func ReturnRace(target Target, steady []Metric, reservers, walkIns int) Experiment {
	var walkInWins, walkInRefusals atomic.Int64

	return Experiment{
		Name:        "return-versus-walk-in",
		Hypothesis:  "A returned copy reaches the next reserver before any walk-in borrower",
		SteadyState: steady,
		Method: []Action{{
			Name: "return-under-contention",
			Execute: func(ctx context.Context) error {
				walkInWins.Store(0)
				walkInRefusals.Store(0)

				book, members, err := seed(ctx, target, "queue", 1, 1+reservers+walkIns)
				if err != nil {
					return err
				}
				holder, queue, walkers := members[0], members[1:1+reservers], members[1+reservers:]

				loan, err := target.Borrow(ctx, holder, book)
				if err != nil {
					return fmt.Errorf("initial borrow: %w", err)
				}
				for _, m := range queue {
					if err := target.Reserve(ctx, m, book); err != nil {
						return fmt.Errorf("reserve: %w", err)
					}
				}

				var returnErr error
				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					returnErr = target.Return(ctx, loan)
				}()
				walkErr := race(walkers, func(m uuid.UUID) error {
					_, err := target.Borrow(ctx, m, book)
					return tally(err, &walkInWins, &walkInRefusals)
				})
				wg.Wait()
				return errors.Join(returnErr, walkErr)
			},
		}},
		Outcome: []Metric{
			{Name: "walk_in_winners", Query: counter(&walkInWins), Threshold: zero},
			{Name: "walk_in_refusals", Query: counter(&walkInRefusals), Threshold: Threshold{Operator: "==", Value: float64(walkIns)}},
		},
	}
}

// seed registers a curator who shelves a new book, then members borrowers.
func seed(ctx context.Context, target Target, label string, copies, members int) (uuid.UUID, []uuid.UUID, error) {
	curator, err := target.AddMember(ctx, fmt.Sprintf("Audit %s curator", label))
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("add curator: %w", err)
	}
	book, err := target.AddBook(ctx, curator, fmt.Sprintf("Audit %s %s", label, uuid.NewString()[:8]), copies)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("add book: %w", err)
	}
	ids := make([]uuid.UUID, members)
	for i := range ids {
		if ids[i], err = target.AddMember(ctx, fmt.Sprintf("Audit %s member %d", label, i+1)); err != nil {
			return uuid.Nil, nil, fmt.Errorf("add member: %w", err)
		}
	}
	return book, ids, nil
}

// race runs fn for every member at once, released together.
func race(members []uuid.UUID, fn func(uuid.UUID) error) error {
	start := make(chan struct{})
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn(m)
		}()
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}

// tally counts a borrow outcome. Being refused for want of a copy is
// expected; anything else is returned.
func tally(err error, wins, refusals *atomic.Int64) error {
	switch {
	case err == nil:
		wins.Add(1)
		return nil
	case lending.KindOf(err) == lending.KindResourceUnavailable:
		refusals.Add(1)
		return nil
	default:
		return err
	}
}

func counter(c *atomic.Int64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) {
		return float64(c.Load()), nil
	}
}
