package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/solestore/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func TestPlan(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	online := domain.Order{ID: "o-1", PaymentMethod: domain.PaymentMethodOnline, PaymentStatus: domain.PaymentStatusPaid}
	onlineUnpaid := domain.Order{ID: "o-1", PaymentMethod: domain.PaymentMethodOnline, PaymentStatus: domain.PaymentStatusPending}
	cod := domain.Order{ID: "o-1", PaymentMethod: domain.PaymentMethodCOD, PaymentStatus: domain.PaymentStatusPending}
	item := func(s domain.ItemStatus) domain.OrderItem {
		return domain.OrderItem{ID: "i-1", OrderID: "o-1", Quantity: 2, PriceAtPurchase: 250000, Status: s}
	}

	tests := []struct {
		name    string
		action  Action
		item    domain.OrderItem
		order   domain.Order
		actor   Actor
		want    domain.ItemStatus
		wantErr string
	}{
		{name: "ship pending", action: Ship{Partner: "Delhivery", TrackingID: "DL123"}, item: item(pending), order: cod, actor: ActorAdmin, want: shipped},
		{name: "ship without tracking id", action: Ship{Partner: "Delhivery"}, item: item(pending), order: cod, actor: ActorAdmin, wantErr: "shipping partner and tracking id are required"},
		{name: "ship already shipped", action: Ship{Partner: "Delhivery", TrackingID: "DL123"}, item: item(shipped), order: cod, actor: ActorAdmin, wantErr: "cannot move from shipped to shipped"},
		{name: "deliver shipped", action: Deliver{}, item: item(shipped), order: cod, actor: ActorSystem, want: delivered},
		{name: "deliver pending", action: Deliver{}, item: item(pending), order: cod, actor: ActorAdmin, wantErr: "cannot move from pending to delivered"},
		{name: "cancel pending", action: Cancel{Reason: "out of stock"}, item: item(pending), order: cod, actor: ActorAdmin, want: cancelled},
		{name: "cancel without reason", action: Cancel{Reason: "  "}, item: item(pending), order: cod, actor: ActorAdmin, wantErr: "cancellation reason is required"},
		{name: "cancel shipped", action: Cancel{Reason: "late"}, item: item(shipped), order: cod, actor: ActorAdmin, wantErr: "cannot move from shipped to cancelled"},
		{name: "customer cancels", action: Cancel{Reason: "changed my mind"}, item: item(pending), order: online, actor: ActorCustomer, want: cancelled},
		{name: "customer cannot ship", action: Ship{Partner: "x", TrackingID: "y"}, item: item(pending), order: online, actor: ActorCustomer, wantErr: "customers may only cancel or request a return"},
		{name: "unknown actor", action: Deliver{}, item: item(shipped), order: online, actor: Actor("robot"), wantErr: "unknown actor"},
		{name: "refund paid online shipped", action: Refund{}, item: item(shipped), order: online, actor: ActorAdmin, want: refunded},
		{name: "refund unpaid online", action: Refund{}, item: item(delivered), order: onlineUnpaid, actor: ActorAdmin, wantErr: "online payment is pending"},
		{name: "refund cod delivered", action: Refund{}, item: item(delivered), order: cod, actor: ActorAdmin, want: refunded},
		{name: "refund cod returned", action: Refund{}, item: item(returned), order: cod, actor: ActorAdmin, want: refunded},
		{name: "refund cod shipped", action: Refund{}, item: item(shipped), order: cod, actor: ActorAdmin, wantErr: "only be refunded after delivery"},
		{name: "refund pending", action: Refund{}, item: item(pending), order: online, actor: ActorAdmin, wantErr: "cannot move from pending to refunded"},
		{name: "refund too much", action: Refund{Amount: int64Ptr(500001)}, item: item(delivered), order: online, actor: ActorAdmin, wantErr: "refund amount must be between 1 and 500000"},
		{name: "refund zero", action: Refund{Amount: int64Ptr(0)}, item: item(delivered), order: online, actor: ActorAdmin, wantErr: "refund amount must be between"},
		{name: "request return delivered", action: RequestReturn{Reason: "too small"}, item: item(delivered), order: cod, actor: ActorCustomer, want: returned},
		{name: "request return shipped", action: RequestReturn{Reason: "too small"}, item: item(shipped), order: cod, actor: ActorCustomer, wantErr: "cannot move from shipped to returned"},
		{name: "request return without reason", action: RequestReturn{}, item: item(delivered), order: cod, actor: ActorCustomer, wantErr: "return reason is required"},
		{name: "cancelled is terminal", action: Refund{}, item: item(cancelled), order: online, actor: ActorAdmin, wantErr: "cannot move from cancelled to refunded"},
		{name: "refunded is terminal", action: RequestReturn{Reason: "x"}, item: item(refunded), order: online, actor: ActorCustomer, wantErr: "cannot move from refunded to returned"},
		{name: "nil action", action: nil, item: item(pending), order: online, actor: ActorAdmin, wantErr: "action is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := Plan(tt.action, tt.item, tt.order, tt.actor, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsValidation(err), "expected a validation error, got %T", err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, patch.Status)
			assert.Equal(t, tt.item.Status, patch.ExpectStatus)
		})
	}
}

func TestPlan_FieldsPerAction(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	order := domain.Order{ID: "o-1", PaymentMethod: domain.PaymentMethodOnline, PaymentStatus: domain.PaymentStatusPaid}

	t.Run("ship records tracking", func(t *testing.T) {
		patch, err := Plan(Ship{Partner: " BlueDart ", TrackingID: "BD-9", TrackingURL: "https://track.example/BD-9"},
			domain.OrderItem{ID: "i-1", Status: pending}, order, ActorAdmin, now)
		require.NoError(t, err)
		assert.Equal(t, "BlueDart", *patch.ShippingPartner)
		assert.Equal(t, "BD-9", *patch.TrackingID)
		assert.Equal(t, "https://track.example/BD-9", *patch.TrackingURL)
		assert.Equal(t, now, *patch.ShippedAt)
	})

	t.Run("refund defaults to line total", func(t *testing.T) {
		patch, err := Plan(Refund{}, domain.OrderItem{ID: "i-1", Status: delivered, Quantity: 3, PriceAtPurchase: 1000}, order, ActorAdmin, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3000), *patch.RefundAmount)
		assert.Equal(t, now, *patch.RefundedAt)
	})

	t.Run("refund takes off the item's share of the discount", func(t *testing.T) {
		a := domain.OrderItem{ID: "i-1", Status: delivered, Quantity: 1, PriceAtPurchase: 5}
		b := domain.OrderItem{ID: "i-2", Status: delivered, Quantity: 1, PriceAtPurchase: 5}
		discounted := order
		discounted.Subtotal, discounted.Discount, discounted.TotalAmount = 10, 3, 7
		discounted.Items = []domain.OrderItem{a, b}

		pa, err := Plan(Refund{}, a, discounted, ActorAdmin, now)
		require.NoError(t, err)
		pb, err := Plan(Refund{}, b, discounted, ActorAdmin, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), *pa.RefundAmount)
		assert.Equal(t, int64(3), *pb.RefundAmount)

		_, err = Plan(Refund{Amount: int64Ptr(5)}, a, discounted, ActorAdmin, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refund amount must be between 1 and 4")

		discounted.Items = nil
		pa, err = Plan(Refund{}, a, discounted, ActorAdmin, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), *pa.RefundAmount, "share rounds up without the other items")
	})

	t.Run("refund cannot exceed what is left on the order", func(t *testing.T) {
		refundedBefore := domain.OrderItem{ID: "i-1", Status: refunded, Quantity: 1, PriceAtPurchase: 250000, RefundAmount: int64Ptr(250000)}
		item := domain.OrderItem{ID: "i-2", Status: delivered, Quantity: 1, PriceAtPurchase: 250000}
		charged := order
		charged.Subtotal, charged.Discount, charged.TotalAmount = 500000, 100000, 400000
		charged.Items = []domain.OrderItem{refundedBefore, item}

		_, err := Plan(Refund{}, item, charged, ActorAdmin, now)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "refund of 200000 exceeds the 150000 left to refund on the order")

		patch, err := Plan(Refund{Amount: int64Ptr(150000)}, item, charged, ActorAdmin, now)
		require.NoError(t, err)
		assert.Equal(t, int64(150000), *patch.RefundAmount)
	})

	t.Run("request return creates return record", func(t *testing.T) {
		patch, err := Plan(RequestReturn{Reason: "sole came off", EvidenceURL: "https://img.example/1.jpg"},
			domain.OrderItem{ID: "i-1", OrderID: "o-1", Status: delivered}, order, ActorCustomer, now)
		require.NoError(t, err)
		require.NotNil(t, patch.Return)
		assert.NotEmpty(t, patch.Return.ID)
		assert.Equal(t, domain.ReturnStatusRequested, patch.Return.Status)
		assert.Equal(t, "o-1", patch.Return.OrderID)
		assert.Equal(t, "i-1", patch.Return.OrderItemID)
		assert.Equal(t, "https://img.example/1.jpg", *patch.ReturnEvidenceURL)
	})

	t.Run("illegal transition names both states", func(t *testing.T) {
		_, err := Plan(Deliver{}, domain.OrderItem{ID: "i-7", Status: cancelled}, order, ActorAdmin, now)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "i-7", ve.ItemID)
		assert.Equal(t, "cancelled", ve.From)
		assert.Equal(t, "delivered", ve.To)
	})
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(ActionShip, ActionFields{ShippingPartner: "Delhivery", TrackingID: "DL1"})
	require.NoError(t, err)
	assert.Equal(t, Ship{Partner: "Delhivery", TrackingID: "DL1"}, a)

	a, err = ParseAction(ActionRefund, ActionFields{Amount: int64Ptr(100), Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, ActionRefund, a.Name())

	_, err = ParseAction("teleport", ActionFields{})
	assert.True(t, IsValidation(err))
}
