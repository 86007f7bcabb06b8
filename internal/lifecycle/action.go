package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type ActionName string

const (
	ActionShip          ActionName = "ship"
	ActionDeliver       ActionName = "deliver"
	ActionCancel        ActionName = "cancel"
	ActionRefund        ActionName = "refund"
	ActionRequestReturn ActionName = "request_return"
)

type Actor string

const (
	ActorAdmin    Actor = "admin"
	ActorCustomer Actor = "customer"
	ActorSystem   Actor = "system"
)

func (a Actor) Valid() bool {
	return a == ActorAdmin || a == ActorCustomer || a == ActorSystem
}

// Action is one of Ship, Deliver, Cancel, Refund or RequestReturn.
type Action interface {
	Name() ActionName
	isAction()
}

type Ship struct {
	Partner     string
	TrackingID  string
	TrackingURL string
}

type Deliver struct{}

type Cancel struct {
	Reason string
}

// Refund refunds an item. A nil Amount refunds the line total less the
// item's share of the order discount.
type Refund struct {
	Amount *int64
	Reason string
}

type RequestReturn struct {
	Reason      string
	EvidenceURL string
}

func (Ship) Name() ActionName          { return ActionShip }
func (Deliver) Name() ActionName       { return ActionDeliver }
func (Cancel) Name() ActionName        { return ActionCancel }
func (Refund) Name() ActionName        { return ActionRefund }
func (RequestReturn) Name() ActionName { return ActionRequestReturn }

func (Ship) isAction()          {}
func (Deliver) isAction()       {}
func (Cancel) isAction()        {}
func (Refund) isAction()        {}
func (RequestReturn) isAction() {}

type transition struct {
	from []domain.ItemStatus
	to   domain.ItemStatus
}

var transitions = map[ActionName]transition{
	ActionShip:          {from: []domain.ItemStatus{domain.ItemStatusPending}, to: domain.ItemStatusShipped},
	ActionDeliver:       {from: []domain.ItemStatus{domain.ItemStatusShipped}, to: domain.ItemStatusDelivered},
	ActionCancel:        {from: []domain.ItemStatus{domain.ItemStatusPending}, to: domain.ItemStatusCancelled},
	ActionRefund:        {from: []domain.ItemStatus{domain.ItemStatusShipped, domain.ItemStatusDelivered, domain.ItemStatusReturned}, to: domain.ItemStatusRefunded},
	ActionRequestReturn: {from: []domain.ItemStatus{domain.ItemStatusDelivered}, to: domain.ItemStatusReturned},
}

var customerActions = []ActionName{ActionCancel, ActionRequestReturn}

// ItemPatch is the set of item fields an action writes. Nil fields are left
// untouched. The store applies it only while the item is still in ExpectStatus.
type ItemPatch struct {
	ExpectStatus      domain.ItemStatus
	Status            domain.ItemStatus
	CancelReason      *string
	ReturnReason      *string
	ReturnEvidenceURL *string
	RefundAmount      *int64
	ShippingPartner   *string
	TrackingID        *string
	TrackingURL       *string
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	RefundedAt        *time.Time
	ReturnRequestedAt *time.Time
	ReturnApprovedAt  *time.Time
	// Return is inserted in the same store transaction as the item update.
	Return *domain.Return
}

// Plan validates action against the item's current state and returns the
// patch to write. It performs no I/O.
func Plan(action Action, item domain.OrderItem, order domain.Order, actor Actor, now time.Time) (ItemPatch, error) {
	if action == nil {
		return ItemPatch{}, &ValidationError{ItemID: item.ID, Action: "dispatch", Reason: "action is required"}
	}
	name := action.Name()
	invalid := func(reason string) error {
		return &ValidationError{ItemID: item.ID, Action: string(name), Reason: reason}
	}

	if !actor.Valid() {
		return ItemPatch{}, invalid(fmt.Sprintf("unknown actor %q", actor))
	}
	if actor == ActorCustomer && !slices.Contains(customerActions, name) {
		return ItemPatch{}, invalid("customers may only cancel or request a return")
	}

	t, ok := transitions[name]
	if !ok {
		return ItemPatch{}, invalid("unsupported action")
	}
	if item.Status.Terminal() || !slices.Contains(t.from, item.Status) {
		return ItemPatch{}, &ValidationError{
			ItemID: item.ID,
			Action: string(name),
			From:   string(item.Status),
			To:     string(t.to),
			Reason: "illegal transition",
		}
	}

	at := now.UTC()
	patch := ItemPatch{ExpectStatus: item.Status, Status: t.to}

	switch a := action.(type) {
	case Ship:
		partner := strings.TrimSpace(a.Partner)
		trackingID := strings.TrimSpace(a.TrackingID)
		if partner == "" || trackingID == "" {
			return ItemPatch{}, invalid("shipping partner and tracking id are required")
		}
		trackingURL := strings.TrimSpace(a.TrackingURL)
		patch.ShippingPartner = &partner
		patch.TrackingID = &trackingID
		if trackingURL != "" {
			patch.TrackingURL = &trackingURL
		}
		patch.ShippedAt = &at

	case Deliver:
		patch.DeliveredAt = &at

	case Cancel:
		reason := strings.TrimSpace(a.Reason)
		if reason == "" {
			return ItemPatch{}, invalid("cancellation reason is required")
		}
		patch.CancelReason = &reason
		patch.CancelledAt = &at

	case Refund:
		if err := refundAllowed(item, order); err != nil {
			return ItemPatch{}, invalid(err.Error())
		}
		amount := refundableAmount(item, order)
		if a.Amount != nil {
			if *a.Amount <= 0 || *a.Amount > amount {
				return ItemPatch{}, invalid(fmt.Sprintf("refund amount must be between 1 and %d", amount))
			}
			amount = *a.Amount
		}
		if left := order.TotalAmount - refundedSoFar(item.ID, order); order.TotalAmount > 0 && amount > left {
			return ItemPatch{}, invalid(fmt.Sprintf("refund of %d exceeds the %d left to refund on the order", amount, left))
		}
		patch.RefundAmount = &amount
		patch.RefundedAt = &at

	case RequestReturn:
		reason := strings.TrimSpace(a.Reason)
		if reason == "" {
			return ItemPatch{}, invalid("return reason is required")
		}
		evidence := strings.TrimSpace(a.EvidenceURL)
		patch.ReturnReason = &reason
		if evidence != "" {
			patch.ReturnEvidenceURL = &evidence
		}
		patch.ReturnRequestedAt = &at
		patch.Return = &domain.Return{
			ID:          uuid.New().String(),
			OrderID:     item.OrderID,
			OrderItemID: item.ID,
			Status:      domain.ReturnStatusRequested,
			Reason:      reason,
			EvidenceURL: evidence,
			RequestedAt: at,
		}

	default:
		return ItemPatch{}, invalid("unsupported action")
	}

	return patch, nil
}

func refundAllowed(item domain.OrderItem, order domain.Order) error {
	switch order.PaymentMethod {
	case domain.PaymentMethodOnline:
		if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
			return fmt.Errorf("online payment is %s, refund requires a paid order", order.PaymentStatus)
		}
		return nil
	case domain.PaymentMethodCOD:
		if item.Status == domain.ItemStatusDelivered || item.Status == domain.ItemStatusReturned {
			return nil
		}
		return errors.New("cash on delivery items can only be refunded after delivery")
	default:
		return fmt.Errorf("unknown payment method %q", order.PaymentMethod)
	}
}

// refundableAmount is the item's line total less its share of the order
// discount. Shares are split in item order so they add up to the discount
// exactly; an item missing from order.Items has its share rounded up.
func refundableAmount(item domain.OrderItem, order domain.Order) int64 {
	line := item.LineTotal()
	if order.Discount <= 0 || order.Subtotal <= 0 {
		return line
	}

	var before int64
	for _, other := range order.Items {
		if other.ID == item.ID {
			share := order.Discount*(before+line)/order.Subtotal - order.Discount*before/order.Subtotal
			return max(line-share, 0)
		}
		before += other.LineTotal()
	}

	share := (order.Discount*line + order.Subtotal - 1) / order.Subtotal
	return max(line-share, 0)
}

// refundedSoFar sums the refunds already recorded on the order's other items.
func refundedSoFar(itemID string, order domain.Order) int64 {
	var total int64
	for _, other := range order.Items {
		if other.ID != itemID && other.RefundAmount != nil {
			total += *other.RefundAmount
		}
	}
	return total
}

// ParseAction builds an Action from its wire name and loose fields.
func ParseAction(name ActionName, f ActionFields) (Action, error) {
	switch name {
	case ActionShip:
		return Ship{Partner: f.ShippingPartner, TrackingID: f.TrackingID, TrackingURL: f.TrackingURL}, nil
	case ActionDeliver:
		return Deliver{}, nil
	case ActionCancel:
		return Cancel{Reason: f.Reason}, nil
	case ActionRefund:
		return Refund{Amount: f.Amount, Reason: f.Reason}, nil
	case ActionRequestReturn:
		return RequestReturn{Reason: f.Reason, EvidenceURL: f.EvidenceURL}, nil
	default:
		return nil, &ValidationError{Action: string(name), Reason: "unknown action"}
	}
}

// ActionFields is the flat shape actions arrive in over the wire.
type ActionFields struct {
	Reason          string `json:"reason,omitempty"`
	EvidenceURL     string `json:"evidence_url,omitempty"`
	Amount          *int64 `json:"amount,omitempty"`
	ShippingPartner string `json:"shipping_partner,omitempty"`
	TrackingID      string `json:"tracking_id,omitempty"`
	TrackingURL     string `json:"tracking_url,omitempty"`
}
