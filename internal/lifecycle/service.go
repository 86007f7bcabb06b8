package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/solestore/internal/domain"
)

const (
	defaultCallTimeout    = 5 * time.Second
	defaultRecomputeTries = 3
	defaultRetryInterval  = 200 * time.Millisecond
)

// Service owns item transitions and keeps the order aggregates consistent with them.
type Service struct {
	store           Store
	notifier        Notifier
	publisher       Publisher
	refunder        Refunder
	logger          *slog.Logger
	now             func() time.Time
	callTimeout     time.Duration
	bulkConcurrency int
	recomputeTries  uint
	retryInterval   time.Duration
	metrics         *instruments
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithRefunder(r Refunder) Option {
	return func(s *Service) {
		s.refunder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCallTimeout bounds every individual store call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithBulkConcurrency sets how many item writes of a bulk action run at once.
func WithBulkConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkConcurrency = n
		}
	}
}

func WithRecomputeRetry(tries uint, initial time.Duration) Option {
	return func(s *Service) {
		if tries > 0 {
			s.recomputeTries = tries
		}
		if initial > 0 {
			s.retryInterval = initial
		}
	}
}

func NewService(store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:           store,
		notifier:        notifier,
		logger:          logger,
		now:             time.Now,
		callTimeout:     defaultCallTimeout,
		bulkConcurrency: 1,
		recomputeTries:  defaultRecomputeTries,
		retryInterval:   defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	m, err := newInstruments()
	if err != nil {
		logger.Warn("failed to create lifecycle instruments", "error", err)
	}
	s.metrics = m

	return s
}

type Request struct {
	// OrderID is optional. When set the item must belong to it.
	OrderID string
	ItemID  string
	Action  Action
	Actor   Actor
}

type Aggregates struct {
	OrderID        string               `json:"order_id"`
	Status         domain.OrderStatus   `json:"status"`
	PaymentStatus  domain.PaymentStatus `json:"payment_status"`
	SyncedRevision int64                `json:"synced_revision"`
}

// Result is the outcome of an action on one item.
type Result struct {
	OrderID    string            `json:"order_id"`
	ItemID     string            `json:"order_item_id"`
	Action     ActionName        `json:"action"`
	From       domain.ItemStatus `json:"from,omitempty"`
	To         domain.ItemStatus `json:"to,omitempty"`
	Item       *domain.OrderItem `json:"item,omitempty"`
	Aggregates *Aggregates       `json:"aggregates,omitempty"`
	// AggregatesStale is set when the item was written but the order
	// aggregates could not be; the reconciler repairs them later.
	AggregatesStale bool  `json:"aggregates_stale,omitempty"`
	Err             error `json:"-"`
}

func (r Result) OK() bool {
	return r.Err == nil
}

// MarshalJSON adds the failure reason as "error".
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Dispatch validates and applies a single item action, then recomputes the
// order aggregates.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Dispatch", trace.WithAttributes(
		attribute.String("order_item.id", req.ItemID),
		attribute.String("actor", string(req.Actor)),
	))
	defer span.End()

	res := s.applyItem(ctx, req)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		s.logger.Warn("item action rejected", "error", res.Err, "order_item_id", req.ItemID, "action", res.Action)
		s.notify(ctx, domain.Notification{
			Kind:    domain.NotificationError,
			Subject: fmt.Sprintf("Could not %s item %s", actionVerb(res.Action), req.ItemID),
			Detail:  res.Err.Error(),
		})
		return nil, res.Err
	}

	agg, err := s.RecomputeAggregates(ctx, res.OrderID)
	s.attachAggregates(ctx, []*Result{&res}, res.OrderID, agg, err)

	s.notify(ctx, itemNotification(res))
	s.logger.Info("item action applied", "order_id", res.OrderID, "order_item_id", res.ItemID,
		"action", res.Action, "from", res.From, "to", res.To, "aggregates_stale", res.AggregatesStale)
	return &res, nil
}

func (s *Service) applyItem(ctx context.Context, req Request) Result {
	res := Result{OrderID: req.OrderID, ItemID: req.ItemID}
	if req.Action != nil {
		res.Action = req.Action.Name()
	}
	fail := func(err error) Result {
		res.Err = err
		s.metrics.recordAction(ctx, res.Action, outcome(err))
		return res
	}

	if strings.TrimSpace(req.ItemID) == "" {
		return fail(&ValidationError{Action: string(res.Action), Reason: "order item id is required"})
	}
	if req.Action == nil {
		return fail(&ValidationError{ItemID: req.ItemID, Action: "dispatch", Reason: "action is required"})
	}

	var item *domain.OrderItem
	err := s.call(ctx, "get order item", func(ctx context.Context) (err error) {
		item, err = s.store.GetItem(ctx, req.ItemID)
		return err
	})
	if err != nil {
		return fail(err)
	}
	if item == nil {
		return fail(fmt.Errorf("%w: %s", ErrItemNotFound, req.ItemID))
	}
	if req.OrderID != "" && item.OrderID != req.OrderID {
		return fail(&ValidationError{
			ItemID: item.ID,
			Action: string(res.Action),
			Reason: fmt.Sprintf("item belongs to order %s, not %s", item.OrderID, req.OrderID),
		})
	}
	res.OrderID = item.OrderID
	res.From = item.Status

	order, err := s.getOrder(ctx, item.OrderID)
	if err != nil {
		return fail(err)
	}

	refund, isRefund := req.Action.(Refund)
	if isRefund {
		err := s.call(ctx, "list order items", func(ctx context.Context) (err error) {
			order.Items, err = s.store.ListItems(ctx, order.ID)
			return err
		})
		if err != nil {
			return fail(err)
		}
	}

	patch, err := Plan(req.Action, *item, *order, req.Actor, s.now())
	if err != nil {
		return fail(err)
	}

	if isRefund && order.PaymentMethod == domain.PaymentMethodOnline {
		if s.refunder == nil {
			return fail(&ValidationError{ItemID: item.ID, Action: string(res.Action), Reason: "online refunds are unavailable"})
		}
		err := s.call(ctx, "refund payment", func(ctx context.Context) error {
			return s.refunder.Refund(ctx, RefundRequest{
				OrderID:          order.ID,
				OrderItemID:      item.ID,
				PaymentReference: order.PaymentReference,
				Amount:           *patch.RefundAmount,
				Currency:         order.Currency,
				Reason:           refund.Reason,
			})
		})
		if err != nil {
			return fail(err)
		}
	}

	var updated *domain.OrderItem
	err = s.call(ctx, "update order item", func(ctx context.Context) (err error) {
		updated, err = s.store.UpdateItem(ctx, item.ID, patch)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrItemConflict) {
			err = &ValidationError{
				ItemID: item.ID,
				Action: string(res.Action),
				From:   string(item.Status),
				To:     string(patch.Status),
				Reason: "item was modified by another operator",
				Err:    err,
			}
		}
		return fail(err)
	}
	if updated == nil {
		copied := *item
		copied.Status = patch.Status
		updated = &copied
	}

	res.To = updated.Status
	res.Item = updated
	s.metrics.recordAction(ctx, res.Action, "ok")
	s.publishItemEvent(ctx, *order, *updated, res.From, req.Actor, string(res.Action), reasonOf(req.Action))
	return res
}

func (s *Service) getOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := s.call(ctx, "get order", func(ctx context.Context) (err error) {
		order, err = s.store.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// RecomputeAggregates re-derives the order status and payment status from the
// current item statuses and persists both. Store failures are retried with backoff.
func (s *Service) RecomputeAggregates(ctx context.Context, orderID string) (*Aggregates, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.RecomputeAggregates", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval

	agg, err := backoff.Retry(ctx, func() (*Aggregates, error) {
		agg, err := s.recomputeOnce(ctx, orderID)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return agg, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.recomputeTries))
	if err != nil {
		s.metrics.recordRecomputeFailure(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.status", string(agg.Status)),
		attribute.String("order.payment_status", string(agg.PaymentStatus)),
	)
	return agg, nil
}

func (s *Service) recomputeOnce(ctx context.Context, orderID string) (*Aggregates, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var items []domain.OrderItem
	err = s.call(ctx, "list order items", func(ctx context.Context) (err error) {
		items, err = s.store.ListItems(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	statuses := itemStatuses(items)
	agg := &Aggregates{
		OrderID:       orderID,
		Status:        DeriveOrderStatus(statuses),
		PaymentStatus: DerivePaymentStatus(order.PaymentStatus, statuses),
	}

	err = s.call(ctx, "update order status", func(ctx context.Context) error {
		return s.store.UpdateOrderStatus(ctx, orderID, agg.Status, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	if agg.PaymentStatus != order.PaymentStatus {
		err = s.call(ctx, "update payment status", func(ctx context.Context) error {
			return s.store.UpdatePaymentStatus(ctx, orderID, agg.PaymentStatus)
		})
		if err != nil {
			return nil, err
		}
	}

	// The revision was read before the items, so a write that lands after
	// ListItems keeps the order stale.
	err = s.call(ctx, "mark aggregates synced", func(ctx context.Context) error {
		return s.store.MarkAggregatesSynced(ctx, orderID, order.ItemRevision)
	})
	if err != nil {
		return nil, err
	}
	agg.SyncedRevision = order.ItemRevision

	return agg, nil
}

func (s *Service) attachAggregates(ctx context.Context, results []*Result, orderID string, agg *Aggregates, err error) {
	for _, r := range results {
		if r.Err != nil || r.OrderID != orderID {
			continue
		}
		if err != nil {
			r.AggregatesStale = true
		} else {
			r.Aggregates = agg
		}
	}
	if err == nil {
		return
	}

	s.logger.Error("order aggregates left stale", "error", err, "order_id", orderID)
	s.notify(ctx, domain.Notification{
		Kind:    domain.NotificationError,
		Subject: fmt.Sprintf("Order %s status could not be refreshed", orderID),
		Detail:  "Item changes were saved. The order status will be reconciled; retry to refresh it now. Cause: " + err.Error(),
	})
}

// call runs fn under the per-call timeout and classifies its failure.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrItemConflict) || IsValidation(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (s *Service) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error("failed to deliver notification", "error", err, "kind", n.Kind, "subject", n.Subject)
	}
}

func (s *Service) publishItemEvent(ctx context.Context, order domain.Order, item domain.OrderItem, from domain.ItemStatus, actor Actor, action, reason string) {
	if s.publisher == nil {
		return
	}
	event := domain.ItemStatusChangedEvent{
		OrderID:      order.ID,
		OrderItemID:  item.ID,
		ProductID:    item.ProductID,
		Size:         item.Size,
		Quantity:     item.Quantity,
		From:         from,
		To:           item.Status,
		Action:       action,
		Actor:        string(actor),
		Reason:       reason,
		TrackingURL:  item.TrackingURL,
		ContactEmail: order.ContactEmail,
		Timestamp:    s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, order.ID, event); err != nil {
		s.logger.Error("failed to publish item status event", "error", err, "order_id", order.ID, "order_item_id", item.ID)
	}
}

func reasonOf(a Action) string {
	switch a := a.(type) {
	case Cancel:
		return a.Reason
	case Refund:
		return a.Reason
	case RequestReturn:
		return a.Reason
	default:
		return ""
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case IsNotFound(err):
		return "not_found"
	case IsRetryable(err):
		return "store_error"
	default:
		return "error"
	}
}

func actionVerb(a ActionName) string {
	switch a {
	case ActionRequestReturn:
		return "request a return for"
	case "":
		return "update"
	default:
		return string(a)
	}
}

func pastTense(a ActionName) string {
	switch a {
	case ActionShip:
		return "shipped"
	case ActionDeliver:
		return "delivered"
	case ActionCancel:
		return "cancelled"
	case ActionRefund:
		return "refunded"
	case ActionRequestReturn:
		return "marked for return"
	default:
		return "updated"
	}
}

func itemNotification(res Result) domain.Notification {
	n := domain.Notification{
		Subject: fmt.Sprintf("Item %s %s", res.ItemID, pastTense(res.Action)),
	}
	switch res.Action {
	case ActionShip:
		n.Kind = domain.NotificationItemShipped
		if res.Item != nil {
			n.Detail = fmt.Sprintf("Shipped with %s, tracking %s", res.Item.ShippingPartner, res.Item.TrackingID)
		}
	case ActionDeliver:
		n.Kind = domain.NotificationItemDelivered
	case ActionCancel:
		n.Kind = domain.NotificationItemCancelled
		if res.Item != nil {
			n.Detail = res.Item.CancelReason
		}
	case ActionRefund:
		n.Kind = domain.NotificationItemRefunded
		if res.Item != nil && res.Item.RefundAmount != nil {
			n.Detail = fmt.Sprintf("Refunded %d", *res.Item.RefundAmount)
		}
	default:
		n.Kind = domain.NotificationSuccess
	}
	if res.AggregatesStale {
		n.Detail = strings.TrimSpace(n.Detail + " (order status pending reconciliation)")
	}
	return n
}
