package audit_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/audit"
	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/clients"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/membership"
	"libranexus/lending/internal/store"
	"libranexus/lending/internal/store/storetest"
	"libranexus/lending/internal/web"
)

type env struct {
	db     *store.DB
	clock  *clock.Fake
	target audit.Local
	runner *audit.Runner
	checks []audit.Metric
}

func setup(t *testing.T) *env {
	t.Helper()
	db := storetest.Open(t)
	fake := clock.NewFake(time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC))
	log := activity.NewLog(db, fake.Clock())
	engine := lending.NewEngine(db, log, fake.Clock(), lending.DefaultConfig(), storetest.Logger())
	return &env{
		db:    db,
		clock: fake,
		target: audit.Local{
			Catalog: catalog.NewService(db, log, engine, fake.Clock(), storetest.Logger()),
			Members: membership.NewService(db, log, engine, fake.Clock(), storetest.Logger()),
			Engine:  engine,
		},
		runner: audit.NewRunner(storetest.Logger(), fake.Clock()),
		checks: audit.Invariants(db, lending.DefaultBorrowLimit),
	}
}

func (e *env) violated(t *testing.T) []string {
	t.Helper()
	violations, err := e.runner.Check(context.Background(), e.checks)
	require.NoError(t, err)
	names := []string{}
	for _, v := range violations {
		names = append(names, v.Metric)
	}
	return names
}

func TestThresholdHolds(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, audit.Threshold{Operator: tt.op, Value: 1}.Holds(tt.v), "%g %s 1", tt.v, tt.op)
	}
}

func TestInvariantsHoldAfterNormalUse(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	member, err := e.target.AddMember(ctx, "Ada")
	require.NoError(t, err)
	book, err := e.target.AddBook(ctx, member, "Dune", 1)
	require.NoError(t, err)
	loan, err := e.target.Borrow(ctx, member, book)
	require.NoError(t, err)
	e.clock.Advance(20 * 24 * time.Hour)
	_, err = e.target.Engine.CheckAndApplyFines(ctx, member)
	require.NoError(t, err)
	require.NoError(t, e.target.Return(ctx, loan))

	assert.Empty(t, e.violated(t))
}

func TestInvariantsDetectCorruption(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	member, err := e.target.AddMember(ctx, "Ada")
	require.NoError(t, err)
	books := make([]uuid.UUID, 4)
	for i := range books {
		books[i], err = e.target.AddBook(ctx, member, "Book", 1)
		require.NoError(t, err)
	}
	_, err = e.target.Borrow(ctx, member, books[0])
	require.NoError(t, err)

	// A lent copy flagged as shelved.
	_, err = store.Exec(ctx, e.db, e.db.Builder().Update("copies").
		Set(goqu.Record{"available": true}).
		Where(goqu.C("book_id").Eq(books[0])))
	require.NoError(t, err)

	// Reservations written behind the engine's back: one for the held book
	// and enough others to pass the limit.
	for _, b := range books {
		_, err = store.Exec(ctx, e.db, e.db.Builder().Insert("reservations").Rows(goqu.Record{
			"id":               uuid.Must(uuid.NewV7()),
			"member_id":        member,
			"book_id":          b,
			"reservation_date": e.clock.Now(),
		}))
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []string{
		"members_over_limit",
		"availability_mismatches",
		"reservations_for_held_books",
	}, e.violated(t))
}

func TestBorrowRaceHasOneWinner(t *testing.T) {
	e := setup(t)

	result, err := e.runner.Run(context.Background(), audit.BorrowRace(e.target, e.checks, 8))
	require.NoError(t, err)
	assert.True(t, result.SteadyStateValid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Violations)
	assert.True(t, result.HypothesisHeld)
	require.Len(t, result.Observations["race_winners"], 1)
	assert.Equal(t, 1.0, result.Observations["race_winners"][0].Value)
	assert.Equal(t, 7.0, result.Observations["race_refusals"][0].Value)
}

func TestReturnRaceServesReserverFirst(t *testing.T) {
	e := setup(t)

	result, err := e.runner.Run(context.Background(), audit.ReturnRace(e.target, e.checks, 2, 5))
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.True(t, result.HypothesisHeld, "violations: %v", result.Violations)
	assert.Equal(t, 0.0, result.Observations["walk_in_winners"][0].Value)
}

func TestRunAbortsOnBrokenSteadyState(t *testing.T) {
	e := setup(t)
	ran := false

	result, err := e.runner.Run(context.Background(), audit.Experiment{
		Name: "broken",
		SteadyState: []audit.Metric{{
			Name:      "always_one",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: audit.Threshold{Operator: "==", Value: 0},
		}},
		Method: []audit.Action{{Name: "never", Execute: func(context.Context) error {
			ran = true
			return nil
		}}},
	})
	assert.ErrorIs(t, err, audit.ErrSteadyStateInvalid)
	assert.False(t, ran)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "== 0", result.Violations[0].Expected)
}

func TestRunRecordsActionErrors(t *testing.T) {
	e := setup(t)

	result, err := e.runner.Run(context.Background(), audit.Experiment{
		Name:   "failing",
		Method: []audit.Action{{Name: "boom", Execute: func(context.Context) error { return errors.New("boom") }}},
	})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "boom", result.Errors[0].Component)
	assert.False(t, result.HypothesisHeld)
}

func TestRunObservesForDuration(t *testing.T) {
	e := setup(t)
	samples := 0

	result, err := e.runner.Run(context.Background(), audit.Experiment{
		Name: "sampled",
		Outcome: []audit.Metric{{
			Name: "samples",
			Query: func(context.Context) (float64, error) {
				samples++
				return float64(samples), nil
			},
			Threshold: audit.Threshold{Operator: ">", Value: 0},
		}},
		Duration: 60 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Greater(t, len(result.Observations["samples"]), 1)
	assert.True(t, result.HypothesisHeld)
}

func TestBorrowRaceOverHTTP(t *testing.T) {
	e := setup(t)
	router := web.NewRouter(storetest.Logger(), nil)
	lending.NewHandler(e.target.Engine).Routes(router)
	catalog.NewHandler(e.target.Catalog, e.target.Engine).Routes(router)
	membership.NewHandler(e.target.Members).Routes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	remote := audit.Remote{Client: clients.New(srv.URL, 0)}
	result, err := e.runner.Run(context.Background(), audit.BorrowRace(remote, e.checks, 6))
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.True(t, result.HypothesisHeld, "violations: %v", result.Violations)
}

func TestGameDayRunsEveryScenario(t *testing.T) {
	e := setup(t)

	results, err := e.runner.RunGameDay(context.Background(), audit.GameDay{
		Name: "lending",
		Scenarios: []audit.Experiment{
			audit.BorrowRace(e.target, e.checks, 4),
			audit.ReturnRace(e.target, e.checks, 1, 3),
		},
		Pause: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.HypothesisHeld, "%s: %v %v", r.Experiment, r.Violations, r.Errors)
	}
}
