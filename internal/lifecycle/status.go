package lifecycle

import "github.com/joao-fontenele/solestore/internal/domain"

type statusCounts struct {
	pending   int
	shipped   int
	delivered int
	cancelled int
	refunded  int
}

func countStatuses(items []domain.ItemStatus) statusCounts {
	var c statusCounts
	for _, s := range items {
		switch s {
		case domain.ItemStatusShipped:
			c.shipped++
		case domain.ItemStatusDelivered, domain.ItemStatusReturned:
			// A returned item was delivered first; the return is still open.
			c.delivered++
		case domain.ItemStatusCancelled:
			c.cancelled++
		case domain.ItemStatusRefunded:
			c.refunded++
		default:
			c.pending++
		}
	}
	return c
}

// DeriveOrderStatus rolls item statuses up into the order status. Rules are
// evaluated in priority order and the first match wins.
func DeriveOrderStatus(items []domain.ItemStatus) domain.OrderStatus {
	n := len(items)
	if n == 0 {
		return domain.OrderStatusPending
	}
	c := countStatuses(items)

	switch {
	case c.cancelled == n || c.refunded == n:
		return domain.OrderStatusCancelled
	case c.delivered == n:
		return domain.OrderStatusDelivered
	case c.shipped == n:
		return domain.OrderStatusShipped
	case c.cancelled+c.refunded > 0:
		if c.delivered > 0 {
			return domain.OrderStatusPartiallyDelivered
		}
		return domain.OrderStatusPartiallyCancelled
	case c.delivered > 0 && (c.shipped > 0 || c.pending > 0):
		return domain.OrderStatusPartiallyDelivered
	case c.shipped > 0:
		return domain.OrderStatusPartiallyShipped
	default:
		return domain.OrderStatusPending
	}
}

func paymentRank(s domain.PaymentStatus) int {
	switch s {
	case domain.PaymentStatusRefunded:
		return 2
	case domain.PaymentStatusPartiallyRefunded:
		return 1
	default:
		return 0
	}
}

// DerivePaymentStatus moves the payment status towards refunded as items are
// refunded. It never moves a status away from refunded.
func DerivePaymentStatus(current domain.PaymentStatus, items []domain.ItemStatus) domain.PaymentStatus {
	refunded := 0
	for _, s := range items {
		if s == domain.ItemStatusRefunded {
			refunded++
		}
	}

	derived := current
	switch {
	case refunded > 0 && refunded == len(items):
		derived = domain.PaymentStatusRefunded
	case refunded > 0:
		derived = domain.PaymentStatusPartiallyRefunded
	}

	if paymentRank(derived) < paymentRank(current) {
		return current
	}
	return derived
}

func itemStatuses(items []domain.OrderItem) []domain.ItemStatus {
	statuses := make([]domain.ItemStatus, len(items))
	for i, item := range items {
		statuses[i] = item.Status
	}
	return statuses
}
