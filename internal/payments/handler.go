package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/joao-fontenele/solestore/internal/domain"
)

const (
	eventSessionCompleted      = "checkout.session.completed"
	eventSessionExpired        = "checkout.session.expired"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventAsyncPaymentFailed    = "checkout.session.async_payment_failed"

	maxWebhookBody = 64 << 10
)

// PaymentStore is the part of the order store the payment flow writes to.
type PaymentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	// RecordPayment sets the payment status of an order that has not been paid
	// yet. It reports false when the order is missing or already settled.
	RecordPayment(ctx context.Context, orderID string, status domain.PaymentStatus, reference string) (bool, error)
}

type HandlerConfig struct {
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type Handler struct {
	checkout Checkout
	store    PaymentStore
	cfg      HandlerConfig
	logger   *slog.Logger
}

func NewHandler(checkout Checkout, store PaymentStore, cfg HandlerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		checkout: checkout,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleCheckout opens a hosted checkout session for an unpaid online order.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusServiceUnavailable, "order store unavailable, retry")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if order.PaymentMethod != domain.PaymentMethodOnline {
		h.writeError(w, http.StatusUnprocessableEntity, "order is cash on delivery")
		return
	}
	if order.PaymentStatus != domain.PaymentStatusPending && order.PaymentStatus != domain.PaymentStatusFailed {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("order payment is already %s", order.PaymentStatus))
		return
	}

	session, err := h.checkout.CreateSession(r.Context(), CheckoutRequest{
		OrderID:        order.ID,
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		CustomerEmail:  order.ContactEmail,
		SuccessURL:     h.cfg.SuccessURL,
		CancelURL:      h.cfg.CancelURL,
		IdempotencyKey: fmt.Sprintf("checkout-%s-%d", order.ID, order.UpdatedAt.Unix()),
	})
	if err != nil {
		h.logger.Error("failed to create checkout session", "error", err, "order_id", order.ID)
		h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	h.writeJSON(w, http.StatusCreated, session)
}

// HandleWebhook verifies a Stripe event signature and records the payment
// outcome of checkout sessions.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	status, ok := paymentStatusFor(string(event.Type), &session)
	if !ok {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	orderID := session.ClientReferenceID
	if orderID == "" {
		orderID = session.Metadata["order_id"]
	}
	if orderID == "" {
		h.logger.Warn("checkout session without order reference", "session_id", session.ID, "event_id", event.ID)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	reference := ""
	if session.PaymentIntent != nil {
		reference = session.PaymentIntent.ID
	}

	updated, err := h.store.RecordPayment(r.Context(), orderID, status, reference)
	if err != nil {
		// Stripe redelivers on non-2xx.
		h.logger.Error("failed to record payment", "error", err, "order_id", orderID, "event_id", event.ID)
		h.writeError(w, http.StatusServiceUnavailable, "order store unavailable, retry")
		return
	}

	h.logger.Info("payment recorded", "order_id", orderID, "payment_status", status,
		"event_type", event.Type, "applied", updated)
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "processed", "applied": updated})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
