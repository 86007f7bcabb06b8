package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type BulkRequest struct {
	// OrderID is optional. When set every item must belong to it.
	OrderID string
	ItemIDs []string
	Action  Action
	Actor   Actor
}

type BulkResult struct {
	Action     ActionName   `json:"action"`
	Results    []Result     `json:"results"`
	Aggregates []Aggregates `json:"aggregates"`
	// StaleOrders lists orders whose aggregates could not be written.
	StaleOrders []string `json:"stale_orders,omitempty"`
}

func (r BulkResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

func (r BulkResult) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Summary renders the outcome for an operator, e.g.
// "8 of 10 items shipped; 2 failed: ship i-9: cannot move from cancelled to shipped: illegal transition".
func (r BulkResult) Summary() string {
	total := len(r.Results)
	summary := fmt.Sprintf("%d of %d items %s", r.Succeeded(), total, pastTense(r.Action))
	failed := r.Failed()
	if failed == 0 {
		return summary
	}

	var reasons []string
	for _, res := range r.Results {
		if res.Err == nil {
			continue
		}
		msg := res.Err.Error()
		if !slices.Contains(reasons, msg) {
			reasons = append(reasons, msg)
		}
	}
	return fmt.Sprintf("%s; %d failed: %s", summary, failed, strings.Join(reasons, "; "))
}

// DispatchBulk applies the same action to every item independently. A failing
// item never stops the others. Aggregates are recomputed once per touched order
// after every item write has finished.
func (s *Service) DispatchBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if req.Action == nil {
		return nil, &ValidationError{Action: "bulk", Reason: "action is required"}
	}
	if len(req.ItemIDs) == 0 {
		return nil, ErrEmptyBulk
	}

	ctx, span := tracer.Start(ctx, "lifecycle.DispatchBulk", trace.WithAttributes(
		attribute.String("action", string(req.Action.Name())),
		attribute.Int("items", len(req.ItemIDs)),
	))
	defer span.End()

	out := &BulkResult{
		Action:  req.Action.Name(),
		Results: make([]Result, len(req.ItemIDs)),
	}

	seen := make(map[string]bool, len(req.ItemIDs))
	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, itemID := range req.ItemIDs {
		if seen[itemID] {
			out.Results[i] = Result{
				OrderID: req.OrderID,
				ItemID:  itemID,
				Action:  out.Action,
				Err:     &ValidationError{ItemID: itemID, Action: string(out.Action), Reason: "item listed more than once"},
			}
			continue
		}
		seen[itemID] = true

		g.Go(func() error {
			out.Results[i] = s.applyItem(ctx, Request{
				OrderID: req.OrderID,
				ItemID:  itemID,
				Action:  req.Action,
				Actor:   req.Actor,
			})
			return nil
		})
	}
	_ = g.Wait()

	results := make([]*Result, len(out.Results))
	var touched []string
	for i := range out.Results {
		results[i] = &out.Results[i]
		if out.Results[i].OK() && !slices.Contains(touched, out.Results[i].OrderID) {
			touched = append(touched, out.Results[i].OrderID)
		}
	}

	for _, orderID := range touched {
		agg, err := s.RecomputeAggregates(ctx, orderID)
		s.attachAggregates(ctx, results, orderID, agg, err)
		if err != nil {
			out.StaleOrders = append(out.StaleOrders, orderID)
			continue
		}
		out.Aggregates = append(out.Aggregates, *agg)
	}

	summary := out.Summary()
	kind := domain.NotificationSuccess
	if out.Failed() > 0 {
		kind = domain.NotificationError
	}
	s.notify(ctx, domain.Notification{Kind: kind, Subject: "Bulk " + string(out.Action), Detail: summary})
	s.logger.Info("bulk item action applied", "action", out.Action, "items", len(out.Results),
		"succeeded", out.Succeeded(), "failed", out.Failed(), "stale_orders", out.StaleOrders)

	return out, nil
}
