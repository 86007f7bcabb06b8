package lifecycle

import (
	"context"
	"time"

	"github.com/joao-fontenele/solestore/internal/domain"
)

// Store is the remote order record store. Calls are independent round trips;
// there is no transaction spanning an item write and the order writes that follow it.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetItem(ctx context.Context, itemID string) (*domain.OrderItem, error)
	ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	// UpdateItem applies patch if the item is still in patch.ExpectStatus and
	// returns ErrItemConflict otherwise.
	UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*domain.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error
	UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus) error
	// MarkAggregatesSynced records that the persisted aggregates reflect every
	// item write counted in revision.
	MarkAggregatesSynced(ctx context.Context, orderID string, revision int64) error
	// ListStaleOrders returns orders with item writes not yet reflected in their
	// aggregates, least recently attempted first.
	ListStaleOrders(ctx context.Context, limit int) ([]string, error)
	MarkReconcileAttempt(ctx context.Context, orderID string, at time.Time) error

	GetReturn(ctx context.Context, returnID string) (*domain.Return, error)
	ListReturns(ctx context.Context, status domain.ReturnStatus) ([]domain.Return, error)
	UpdateReturn(ctx context.Context, returnID string, patch ReturnPatch) error
}

// ReturnPatch resolves a return. Item, when set, is applied to ItemID in the same transaction.
type ReturnPatch struct {
	ExpectStatus   domain.ReturnStatus
	Status         domain.ReturnStatus
	ResolutionNote string
	ApprovedAt     *time.Time
	RejectedAt     *time.Time
	CompletedAt    *time.Time
	ItemID         string
	Item           *ItemPatch
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type RefundRequest struct {
	OrderID          string
	OrderItemID      string
	PaymentReference string
	Amount           int64
	Currency         string
	Reason           string
}

// Refunder returns money for online payments through the payment provider.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) error
}
