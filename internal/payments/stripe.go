// Package payments collects online payments through Stripe Checkout and
// issues refunds for refunded order items.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
)

type CheckoutRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type Session struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Checkout is the hosted payment page collaborator. Refund satisfies
// lifecycle.Refunder.
type Checkout interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (Session, error)
	Refund(ctx context.Context, req lifecycle.RefundRequest) error
}

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type StripeConfig struct {
	APIKey string
	// Backends overrides the Stripe API endpoints, e.g. for stripe-mock.
	Backends *stripe.Backends
	Logger   *slog.Logger

	sessions sessionAPI
	refunds  refundAPI
}

type StripeCheckout struct {
	sessions sessionAPI
	refunds  refundAPI
	logger   *slog.Logger
}

var _ Checkout = (*StripeCheckout)(nil)

func NewStripeCheckout(cfg StripeConfig) (*StripeCheckout, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	sessions, refunds := cfg.sessions, cfg.refunds
	if sessions == nil || refunds == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sc := client.New(apiKey, cfg.Backends)
		sessions, refunds = sc.CheckoutSessions, sc.Refunds
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeCheckout{sessions: sessions, refunds: refunds, logger: logger}, nil
}

func (c *StripeCheckout) CreateSession(ctx context.Context, req CheckoutRequest) (Session, error) {
	if req.Amount <= 0 {
		return Session{}, fmt.Errorf("stripe: amount must be positive, got %d", req.Amount)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata:          map[string]string{"order_id": req.OrderID},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.OrderID),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": req.OrderID},
		},
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	session, err := c.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	c.logger.InfoContext(ctx, "checkout session created", "order_id", req.OrderID, "session_id", session.ID)

	out := Session{ID: session.ID, URL: session.URL}
	if session.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return out, nil
}

// Refund refunds one item against the order's payment intent. The idempotency
// key is derived from the item, so a retried refund is never charged twice.
func (c *StripeCheckout) Refund(ctx context.Context, req lifecycle.RefundRequest) error {
	if req.PaymentReference == "" {
		return &lifecycle.ValidationError{
			ItemID: req.OrderItemID,
			Action: string(lifecycle.ActionRefund),
			Reason: "order has no captured online payment",
		}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(req.Amount),
		Metadata: map[string]string{
			"order_id":      req.OrderID,
			"order_item_id": req.OrderItemID,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.OrderItemID)
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	refund, err := c.refunds.New(params)
	if err != nil {
		return fmt.Errorf("stripe: refund payment intent: %w", err)
	}

	c.logger.InfoContext(ctx, "refund issued", "order_id", req.OrderID, "order_item_id", req.OrderItemID,
		"refund_id", refund.ID, "amount", req.Amount)
	return nil
}

func refundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case "":
		return ""
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

// paymentStatusFor maps a checkout session event to the order payment status
// it implies. ok is false for events that do not change the payment.
func paymentStatusFor(eventType string, session *stripe.CheckoutSession) (status domain.PaymentStatus, ok bool) {
	switch eventType {
	case eventSessionCompleted:
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Delayed methods settle later with async_payment_succeeded.
			return "", false
		}
		return domain.PaymentStatusPaid, true
	case eventAsyncPaymentSucceeded:
		return domain.PaymentStatusPaid, true
	case eventSessionExpired, eventAsyncPaymentFailed:
		return domain.PaymentStatusFailed, true
	default:
		return "", false
	}
}
