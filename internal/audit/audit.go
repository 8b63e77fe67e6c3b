// Package audit checks the lending invariants against a live store and runs
// concurrency experiments that try to break them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libranexus/lending/internal/clock"
)

// ErrSteadyStateInvalid aborts an experiment whose invariants are already
// broken before anything is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Threshold is the bound a metric must stay within.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether v satisfies the threshold. Unknown operators never hold.
func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

func (t Threshold) String() string {
	return fmt.Sprintf("%s %g", t.Operator, t.Value)
}

// Metric is a measurable property of the system.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

// Action is one step of load or fault injection.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Experiment states a hypothesis about the system, drives it with Method and
// then checks SteadyState and Outcome. Observation repeats every Interval for
// Duration; a zero Duration samples once.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Outcome     []Metric
	Duration    time.Duration
	Interval    time.Duration
}

// Violation is a metric seen outside its threshold.
type Violation struct {
	Metric    string    `json:"metric"`
	Expected  string    `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Result captures one experiment run.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
}

// Runner executes experiments.
type Runner struct {
	tracer trace.Tracer
	logger *slog.Logger
	now    clock.Clock
}

func NewRunner(logger *slog.Logger, now clock.Clock) *Runner {
	return &Runner{
		tracer: otel.Tracer("libranexus/audit"),
		logger: logger,
		now:    now,
	}
}

// Check samples every metric once and returns those outside their threshold.
// A failing query is reported as an error.
func (r *Runner) Check(ctx context.Context, metrics []Metric) ([]Violation, error) {
	ctx, span := r.tracer.Start(ctx, "audit.check")
	defer span.End()

	violations := []Violation{}
	for _, m := range metrics {
		v, err := m.Query(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("query %s: %w", m.Name, err)
		}
		if !m.Threshold.Holds(v) {
			violations = append(violations, r.violation(m, v))
		}
	}
	span.SetAttributes(attribute.Int("violations", len(violations)))
	return violations, nil
}

// Run executes exp. The experiment is aborted with ErrSteadyStateInvalid when
// the steady state does not hold beforehand.
func (r *Runner) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "audit.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    r.now(),
		Violations:   []Violation{},
		Observations: make(map[string][]DataPoint),
		Errors:       []ErrorEvent{},
	}

	span.AddEvent("validating_steady_state")
	before, err := r.Check(ctx, exp.SteadyState)
	if err != nil {
		return nil, err
	}
	if len(before) > 0 {
		result.Violations = before
		result.EndTime = r.now()
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			result.Errors = append(result.Errors, ErrorEvent{
				Timestamp: r.now(),
				Error:     err.Error(),
				Component: action.Name,
			})
			r.logger.Warn("experiment action failed", "experiment", exp.Name, "action", action.Name, "error", err)
		}
	}

	span.AddEvent("observing")
	metrics := append(append([]Metric{}, exp.SteadyState...), exp.Outcome...)
	if err := r.observe(ctx, exp, metrics, result); err != nil {
		return nil, err
	}

	result.HypothesisHeld = len(result.Violations) == 0 && len(result.Errors) == 0
	result.EndTime = r.now()
	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	r.logger.Info("experiment finished", "experiment", exp.Name,
		"hypothesis_held", result.HypothesisHeld, "violations", len(result.Violations))
	return result, nil
}

func (r *Runner) observe(ctx context.Context, exp Experiment, metrics []Metric, result *Result) error {
	sample := func() {
		for _, m := range metrics {
			v, err := m.Query(ctx)
			if err != nil {
				result.Errors = append(result.Errors, ErrorEvent{Timestamp: r.now(), Error: err.Error(), Component: m.Name})
				continue
			}
			result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: r.now(), Value: v})
			if !m.Threshold.Holds(v) {
				result.Violations = append(result.Violations, r.violation(m, v))
			}
		}
	}

	sample()
	if exp.Duration <= 0 {
		return nil
	}
	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	window, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-window.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case <-ticker.C:
			sample()
		}
	}
}

func (r *Runner) violation(m Metric, v float64) Violation {
	return Violation{Metric: m.Name, Expected: m.Threshold.String(), Actual: v, Timestamp: r.now()}
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration
}

// RunGameDay runs every scenario in order, pausing between them. A scenario
// whose steady state is broken is recorded and the day continues; any other
// error ends it.
func (r *Runner) RunGameDay(ctx context.Context, day GameDay) ([]*Result, error) {
	ctx, span := r.tracer.Start(ctx, "audit.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)))
	defer span.End()

	results := make([]*Result, 0, len(day.Scenarios))
	for i, exp := range day.Scenarios {
		if i > 0 && day.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(day.Pause):
			}
		}
		r.logger.Info("experiment starting", "gameday", day.Name, "experiment", exp.Name, "hypothesis", exp.Hypothesis)
		result, err := r.Run(ctx, exp)
		if err != nil && !errors.Is(err, ErrSteadyStateInvalid) {
			return results, fmt.Errorf("%s: %w", exp.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}
