package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
)

var errDown = errors.New("connection refused")

// fakeStore keeps orders in memory and serves both the HTTP read side and the
// lifecycle engine.
type fakeStore struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	returns map[string]*domain.Return
	seq     int
	down    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*domain.Order{}, returns: map[string]*domain.Return{}}
}

func (s *fakeStore) seed(id string, method domain.PaymentMethod, payment domain.PaymentStatus, statuses ...domain.ItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := &domain.Order{ID: id, PaymentMethod: method, PaymentStatus: payment, Status: domain.OrderStatusPending, Currency: "INR"}
	for i, st := range statuses {
		o.Items = append(o.Items, domain.OrderItem{
			ID: fmt.Sprintf("%s-%d", id, i+1), OrderID: id, ProductID: "court-classic", Size: "UK8",
			Quantity: 1, PriceAtPurchase: 349900, Status: st, UpdatedAt: time.Unix(int64(i), 0),
		})
	}
	s.orders[id] = o
}

func (s *fakeStore) fail() error {
	if s.down {
		return errDown
	}
	return nil
}

func (s *fakeStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.seq++
	order.ID = fmt.Sprintf("o-%d", s.seq)
	for i := range order.Items {
		order.Items[i].ID = fmt.Sprintf("%s-%d", order.ID, i+1)
		order.Items[i].OrderID = order.ID
	}
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	copied := *o
	copied.Items = append([]domain.OrderItem(nil), o.Items...)
	return &copied, nil
}

func (s *fakeStore) List(_ context.Context, status domain.OrderStatus, _ int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := []domain.Order{}
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.GetByID(ctx, id)
}

func (s *fakeStore) findItem(itemID string) *domain.OrderItem {
	for _, o := range s.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				return &o.Items[i]
			}
		}
	}
	return nil
}

func (s *fakeStore) GetItem(_ context.Context, itemID string) (*domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	item := s.findItem(itemID)
	if item == nil {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) ListItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	return append([]domain.OrderItem(nil), s.orders[orderID].Items...), nil
}

func (s *fakeStore) UpdateItem(_ context.Context, itemID string, patch lifecycle.ItemPatch) (*domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	item := s.findItem(itemID)
	if item == nil || item.Status != patch.ExpectStatus {
		return nil, lifecycle.ErrItemConflict
	}
	item.Status = patch.Status
	if patch.CancelReason != nil {
		item.CancelReason = *patch.CancelReason
	}
	if patch.TrackingID != nil {
		item.TrackingID = *patch.TrackingID
	}
	if patch.RefundAmount != nil {
		item.RefundAmount = patch.RefundAmount
	}
	item.UpdatedAt = item.UpdatedAt.Add(time.Hour)
	if patch.Return != nil {
		ret := *patch.Return
		s.returns[ret.ID] = &ret
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.orders[orderID].Status = status
	return nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, orderID string, status domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID].PaymentStatus = status
	return nil
}

func (s *fakeStore) MarkAggregatesSynced(_ context.Context, orderID string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID].AggregatesRevision = revision
	return nil
}

func (s *fakeStore) MarkReconcileAttempt(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID].ReconcileAttemptedAt = &at
	return nil
}

func (s *fakeStore) ListStaleOrders(context.Context, int) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) GetReturn(_ context.Context, returnID string) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret, ok := s.returns[returnID]
	if !ok {
		return nil, nil
	}
	copied := *ret
	return &copied, nil
}

func (s *fakeStore) ListReturns(_ context.Context, status domain.ReturnStatus) ([]domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Return{}
	for _, ret := range s.returns {
		if status == "" || ret.Status == status {
			out = append(out, *ret)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateReturn(_ context.Context, returnID string, patch lifecycle.ReturnPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.returns[returnID]
	if ret.Status != patch.ExpectStatus {
		return lifecycle.ErrItemConflict
	}
	ret.Status = patch.Status
	ret.ResolutionNote = patch.ResolutionNote
	if patch.Item != nil {
		item := s.findItem(patch.ItemID)
		item.Status = patch.Item.Status
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
