package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("lifecycle")
	meter  = otel.Meter("lifecycle")
)

type instruments struct {
	itemActions       metric.Int64Counter
	recomputeFailures metric.Int64Counter
	reconciled        metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	itemActions, err := meter.Int64Counter("lifecycle.item_actions",
		metric.WithDescription("Item actions dispatched, by action and outcome"),
	)
	if err != nil {
		return nil, err
	}
	recomputeFailures, err := meter.Int64Counter("lifecycle.aggregate_recompute.failures",
		metric.WithDescription("Aggregate recomputes that gave up after retries"),
	)
	if err != nil {
		return nil, err
	}
	reconciled, err := meter.Int64Counter("lifecycle.reconciled_orders",
		metric.WithDescription("Orders whose stale aggregates were repaired by the reconciler"),
	)
	if err != nil {
		return nil, err
	}
	return &instruments{
		itemActions:       itemActions,
		recomputeFailures: recomputeFailures,
		reconciled:        reconciled,
	}, nil
}

func (m *instruments) recordAction(ctx context.Context, action ActionName, outcome string) {
	if m == nil {
		return
	}
	m.itemActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", outcome),
	))
}

func (m *instruments) recordRecomputeFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.recomputeFailures.Add(ctx, 1)
}

func (m *instruments) recordReconciled(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconciled.Add(ctx, int64(n))
}
