package lending

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	loans        metric.Int64Counter
	returns      metric.Int64Counter
	reservations metric.Int64Counter
	promotions   metric.Int64Counter
	fines        metric.Int64Counter
}

// newMetrics registers the engine's counters on the global meter provider.
// An instrument that fails to register is replaced by a no-op.
func newMetrics() *metrics {
	meter := otel.Meter("libranexus/lending")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
			return noop.Int64Counter{}
		}
		return c
	}
	return &metrics{
		loans:        counter("lending.loans.created", "Loans created by borrow or promotion"),
		returns:      counter("lending.loans.returned", "Loans returned"),
		reservations: counter("lending.reservations.created", "Reservations queued"),
		promotions:   counter("lending.reservations.promoted", "Reservations turned into loans"),
		fines:        counter("lending.fines.issued", "Overdue fines issued"),
	}
}

func (m *metrics) loanCreated(ctx context.Context, source string) {
	m.loans.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *metrics) loanReturned(ctx context.Context) {
	m.returns.Add(ctx, 1)
}

func (m *metrics) reserved(ctx context.Context) {
	m.reservations.Add(ctx, 1)
}

func (m *metrics) promoted(ctx context.Context) {
	m.promotions.Add(ctx, 1)
}

func (m *metrics) finesIssued(ctx context.Context, n int) {
	m.fines.Add(ctx, int64(n))
}
