package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joao-fontenele/solestore/internal/domain"
)

var errUnavailable = errors.New("store unavailable")

// memStore is an in-memory Store that can be told to fail specific operations.
type memStore struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	items   map[string]*domain.OrderItem
	returns map[string]*domain.Return
	tick    time.Time
	failing map[string]int
	hang    map[string]bool
	broken  map[string]bool
	writes  []string
	// afterGetOrder runs once, after the next GetOrder read.
	afterGetOrder func()
}

func newMemStore() *memStore {
	return &memStore{
		orders:  map[string]*domain.Order{},
		items:   map[string]*domain.OrderItem{},
		returns: map[string]*domain.Return{},
		tick:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		failing: map[string]int{},
		hang:    map[string]bool{},
		broken:  map[string]bool{},
	}
}

// addOrder stores an order with one item per status, named <orderID>-<n>.
func (m *memStore) addOrder(orderID string, method domain.PaymentMethod, payment domain.PaymentStatus, statuses ...domain.ItemStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := &domain.Order{
		ID:            orderID,
		ContactEmail:  "runner@example.com",
		Status:        domain.OrderStatusPending,
		PaymentMethod: method,
		PaymentStatus: payment,
		Currency:      "INR",
		ItemRevision:  int64(len(statuses)),
	}
	m.orders[orderID] = order
	for i, s := range statuses {
		id := fmt.Sprintf("%s-%d", orderID, i+1)
		item := &domain.OrderItem{
			ID:              id,
			OrderID:         orderID,
			ProductID:       "sneaker-" + id,
			Size:            "UK9",
			Quantity:        1,
			PriceAtPurchase: 499900,
			Status:          s,
			UpdatedAt:       m.next(),
		}
		if s == domain.ItemStatusDelivered || s == domain.ItemStatusReturned {
			at := item.UpdatedAt
			item.DeliveredAt = &at
		}
		m.items[id] = item
	}
}

func (m *memStore) next() time.Time {
	m.tick = m.tick.Add(time.Second)
	return m.tick
}

// failNext makes the next n calls of op fail. n < 0 fails forever.
func (m *memStore) failNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[op] = n
}

// discount prices the order from its items and takes amount off the total.
func (m *memStore) discount(orderID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.Subtotal = 0
	for _, item := range m.items {
		if item.OrderID == orderID {
			o.Subtotal += item.LineTotal()
		}
	}
	o.Discount = amount
	o.TotalAmount = o.Subtotal - amount
}

// breakOrder makes ListItems fail for one order only.
func (m *memStore) breakOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[orderID] = true
}

func (m *memStore) hangOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang[op] = true
}

func (m *memStore) check(ctx context.Context, op string) error {
	m.mu.Lock()
	hang := m.hang[op]
	n := m.failing[op]
	if n > 0 {
		m.failing[op] = n - 1
	}
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if n != 0 {
		return fmt.Errorf("%s: %w", op, errUnavailable)
	}
	return nil
}

func (m *memStore) writeLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *memStore) item(id string) domain.OrderItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) order(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := m.check(ctx, "GetOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	o, ok := m.orders[orderID]
	var copied domain.Order
	if ok {
		copied = *o
	}
	hook := m.afterGetOrder
	m.afterGetOrder = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return nil, nil
	}
	return &copied, nil
}

func (m *memStore) GetItem(ctx context.Context, itemID string) (*domain.OrderItem, error) {
	if err := m.check(ctx, "GetItem"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (m *memStore) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	if err := m.check(ctx, "ListItems"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken[orderID] {
		return nil, fmt.Errorf("list items of %s: %w", orderID, errUnavailable)
	}
	var items []domain.OrderItem
	for i := 1; ; i++ {
		item, ok := m.items[fmt.Sprintf("%s-%d", orderID, i)]
		if !ok {
			break
		}
		items = append(items, *item)
	}
	return items, nil
}

func (m *memStore) applyItemPatch(itemID string, patch ItemPatch) (*domain.OrderItem, error) {
	item, ok := m.items[itemID]
	if !ok || item.Status != patch.ExpectStatus {
		return nil, ErrItemConflict
	}
	item.Status = patch.Status
	setString(&item.CancelReason, patch.CancelReason)
	setString(&item.ReturnReason, patch.ReturnReason)
	setString(&item.ReturnEvidenceURL, patch.ReturnEvidenceURL)
	setString(&item.ShippingPartner, patch.ShippingPartner)
	setString(&item.TrackingID, patch.TrackingID)
	setString(&item.TrackingURL, patch.TrackingURL)
	if patch.RefundAmount != nil {
		item.RefundAmount = patch.RefundAmount
	}
	setTime(&item.ShippedAt, patch.ShippedAt)
	setTime(&item.DeliveredAt, patch.DeliveredAt)
	setTime(&item.CancelledAt, patch.CancelledAt)
	setTime(&item.RefundedAt, patch.RefundedAt)
	setTime(&item.ReturnRequestedAt, patch.ReturnRequestedAt)
	setTime(&item.ReturnApprovedAt, patch.ReturnApprovedAt)
	item.UpdatedAt = m.next()
	m.orders[item.OrderID].ItemRevision++
	if patch.Return != nil {
		ret := *patch.Return
		m.returns[ret.ID] = &ret
	}
	copied := *item
	return &copied, nil
}

func (m *memStore) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*domain.OrderItem, error) {
	if err := m.check(ctx, "UpdateItem"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.applyItemPatch(itemID, patch)
	if err != nil {
		return nil, err
	}
	m.writes = append(m.writes, "item:"+itemID)
	return item, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	if err := m.check(ctx, "UpdateOrderStatus"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID].Status = status
	m.writes = append(m.writes, "order:"+orderID)
	return nil
}

func (m *memStore) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus) error {
	if err := m.check(ctx, "UpdatePaymentStatus"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID].PaymentStatus = status
	m.writes = append(m.writes, "payment:"+orderID)
	return nil
}

func (m *memStore) MarkAggregatesSynced(ctx context.Context, orderID string, revision int64) error {
	if err := m.check(ctx, "MarkAggregatesSynced"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.AggregatesRevision = max(o.AggregatesRevision, revision)
	return nil
}

func (m *memStore) MarkReconcileAttempt(ctx context.Context, orderID string, at time.Time) error {
	if err := m.check(ctx, "MarkReconcileAttempt"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID].ReconcileAttemptedAt = &at
	return nil
}

func (m *memStore) ListStaleOrders(ctx context.Context, limit int) ([]string, error) {
	if err := m.check(ctx, "ListStaleOrders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*domain.Order
	for _, o := range m.orders {
		if o.ItemRevision > o.AggregatesRevision {
			stale = append(stale, o)
		}
	}
	slices.SortFunc(stale, func(a, b *domain.Order) int {
		switch {
		case a.ReconcileAttemptedAt == nil && b.ReconcileAttemptedAt != nil:
			return -1
		case a.ReconcileAttemptedAt != nil && b.ReconcileAttemptedAt == nil:
			return 1
		case a.ReconcileAttemptedAt != nil && !a.ReconcileAttemptedAt.Equal(*b.ReconcileAttemptedAt):
			return a.ReconcileAttemptedAt.Compare(*b.ReconcileAttemptedAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	ids := make([]string, 0, len(stale))
	for _, o := range stale[:min(limit, len(stale))] {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (m *memStore) GetReturn(ctx context.Context, returnID string) (*domain.Return, error) {
	if err := m.check(ctx, "GetReturn"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ret, ok := m.returns[returnID]
	if !ok {
		return nil, nil
	}
	copied := *ret
	return &copied, nil
}

func (m *memStore) ListReturns(ctx context.Context, status domain.ReturnStatus) ([]domain.Return, error) {
	if err := m.check(ctx, "ListReturns"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Return
	for _, ret := range m.returns {
		if status == "" || ret.Status == status {
			out = append(out, *ret)
		}
	}
	return out, nil
}

func (m *memStore) UpdateReturn(ctx context.Context, returnID string, patch ReturnPatch) error {
	if err := m.check(ctx, "UpdateReturn"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ret, ok := m.returns[returnID]
	if !ok || ret.Status != patch.ExpectStatus {
		return errors.New("return status changed")
	}
	if patch.Item != nil {
		if _, err := m.applyItemPatch(patch.ItemID, *patch.Item); err != nil {
			return err
		}
	}
	ret.Status = patch.Status
	ret.ResolutionNote = patch.ResolutionNote
	setTime(&ret.ApprovedAt, patch.ApprovedAt)
	setTime(&ret.RejectedAt, patch.RejectedAt)
	setTime(&ret.CompletedAt, patch.CompletedAt)
	m.writes = append(m.writes, "return:"+returnID)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []domain.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.NotificationKind, len(r.sent))
	for i, n := range r.sent {
		kinds[i] = n.Kind
	}
	return kinds
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ItemStatusChangedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := event.(domain.ItemStatusChangedEvent); ok {
		p.events = append(p.events, e)
	}
	return nil
}

type recordingRefunder struct {
	requests []RefundRequest
	err      error
}

func (r *recordingRefunder) Refund(_ context.Context, req RefundRequest) error {
	r.requests = append(r.requests, req)
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(store *memStore, notifier Notifier, opts ...Option) *Service {
	opts = append([]Option{WithRecomputeRetry(3, time.Millisecond)}, opts...)
	return NewService(store, notifier, testLogger(), opts...)
}
