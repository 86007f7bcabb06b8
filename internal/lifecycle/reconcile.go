package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler repairs orders whose aggregates fell behind their items, e.g.
// after a recompute that failed once the item write had already succeeded.
type Reconciler struct {
	service   *Service
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type ReconcilerOption func(*Reconciler)

func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func NewReconciler(service *Service, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		service:   service,
		logger:    logger,
		interval:  30 * time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// RunOnce recomputes aggregates for one batch of stale orders and returns how
// many were repaired. Each order is stamped with the attempt first, so one that
// keeps failing moves behind the others on the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	var orderIDs []string
	err := r.service.call(ctx, "list stale orders", func(ctx context.Context) (err error) {
		orderIDs, err = r.service.store.ListStaleOrders(ctx, r.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, orderID := range orderIDs {
		if ctx.Err() != nil {
			break
		}
		err := r.service.call(ctx, "mark reconcile attempt", func(ctx context.Context) error {
			return r.service.store.MarkReconcileAttempt(ctx, orderID, r.service.now().UTC())
		})
		if err != nil {
			r.logger.Warn("failed to record reconcile attempt", "error", err, "order_id", orderID)
		}

		agg, err := r.service.RecomputeAggregates(ctx, orderID)
		if err != nil {
			r.logger.Error("failed to reconcile order", "error", err, "order_id", orderID)
			continue
		}
		repaired++
		r.logger.Info("order reconciled", "order_id", orderID, "status", agg.Status, "payment_status", agg.PaymentStatus)
	}

	r.service.metrics.recordReconciled(ctx, repaired)
	return repaired, nil
}
