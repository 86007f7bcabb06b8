package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/messaging"
)

// OutOfStockReason is the cancel reason sent when a new order cannot be
// fully reserved.
const OutOfStockReason = "out of stock"

type Config struct {
	EmailServiceURL     string
	OrdersServiceURL    string
	InventoryServiceURL string
}

// Handler reacts to order events by calling the inventory, orders and email
// services over HTTP.
type Handler struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHandler(cfg Config, client *http.Client, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		httpClient: client,
		logger:     logger,
	}
}

// statusError is a non-2xx answer from a downstream service.
type statusError struct {
	service string
	status  int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s service returned status %d", e.service, e.status)
}

func hasStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

// HandleOrderCreated reserves stock for every item of a new order. When any
// item cannot be reserved, the reservations taken so far are released and
// the whole order is cancelled.
func (h *Handler) HandleOrderCreated(ctx context.Context, msg messaging.Message) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Error("undecodable order created event", "error", err, "key", msg.Key)
		return fmt.Errorf("unmarshal order created event: %w", messaging.ErrSkip)
	}

	h.logger.Info("processing order created event", "order_id", event.OrderID, "items", len(event.Items))

	reserved, err := h.reserveStock(ctx, event)
	if err != nil {
		if !hasStatus(err, http.StatusConflict) && !hasStatus(err, http.StatusNotFound) {
			return fmt.Errorf("reserve stock: %w", err)
		}
		h.logger.Warn("insufficient stock, cancelling order", "error", err, "order_id", event.OrderID)

		h.releaseStock(ctx, reserved)

		if err := h.cancelOrder(ctx, event); err != nil {
			h.logger.Error("failed to cancel order", "error", err, "order_id", event.OrderID)
			return fmt.Errorf("cancel order after stock failure: %w", err)
		}

		if err := h.sendEmail(ctx, event.ContactEmail, "Order Cancelled: "+event.OrderID,
			fmt.Sprintf("Your order %s has been cancelled because some items are out of stock.", event.OrderID)); err != nil {
			return fmt.Errorf("send cancellation email: %w", err)
		}

		h.logger.Info("order cancelled due to insufficient stock", "order_id", event.OrderID)
		return nil
	}

	if err := h.sendEmail(ctx, event.ContactEmail, "Order Confirmation: "+event.OrderID,
		fmt.Sprintf("Your order %s with %d items has been placed. Total: %s.",
			event.OrderID, len(event.Items), formatAmount(event.TotalAmount))); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("order processing complete", "order_id", event.OrderID)
	return nil
}

// HandleItemStatus settles the item's reservation, asks the orders service to
// reconcile the order aggregate and emails the customer.
func (h *Handler) HandleItemStatus(ctx context.Context, msg messaging.Message) error {
	var event domain.ItemStatusChangedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Error("undecodable item status event", "error", err, "key", msg.Key)
		return fmt.Errorf("unmarshal item status event: %w", messaging.ErrSkip)
	}

	switch event.To {
	case domain.ItemStatusCancelled:
		if err := h.settleReservation(ctx, event.OrderItemID, "release"); err != nil {
			return err
		}
	case domain.ItemStatusShipped:
		if err := h.settleReservation(ctx, event.OrderItemID, "commit"); err != nil {
			return err
		}
	}

	url := fmt.Sprintf("%s/orders/%s/reconcile", h.cfg.OrdersServiceURL, event.OrderID)
	if err := h.post(ctx, "orders", url, nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			h.logger.Warn("item event for unknown order", "order_id", event.OrderID)
			return fmt.Errorf("reconcile order %s: %w", event.OrderID, messaging.ErrSkip)
		}
		return fmt.Errorf("reconcile order %s: %w", event.OrderID, err)
	}

	subject, body, ok := itemEmail(event)
	if !ok {
		return nil
	}
	if err := h.sendEmail(ctx, event.ContactEmail, subject, body); err != nil {
		return fmt.Errorf("send item email: %w", err)
	}
	return nil
}

func (h *Handler) reserveStock(ctx context.Context, event domain.OrderCreatedEvent) ([]string, error) {
	var reserved []string

	for _, item := range event.Items {
		res := domain.Reservation{
			OrderItemID: item.ID,
			ProductID:   item.ProductID,
			Size:        item.Size,
			Quantity:    item.Quantity,
		}
		if err := h.post(ctx, "inventory", h.cfg.InventoryServiceURL+"/reservations", res); err != nil {
			return reserved, fmt.Errorf("reserve %s/%s for item %s: %w", item.ProductID, item.Size, item.ID, err)
		}
		reserved = append(reserved, item.ID)
	}

	return reserved, nil
}

func (h *Handler) releaseStock(ctx context.Context, reserved []string) {
	for _, itemID := range reserved {
		if err := h.settleReservation(ctx, itemID, "release"); err != nil {
			h.logger.Error("failed to release stock", "error", err, "order_item_id", itemID)
		}
	}
}

// settleReservation releases or commits a reservation. Missing and already
// settled reservations are logged and ignored.
func (h *Handler) settleReservation(ctx context.Context, orderItemID, verb string) error {
	url := fmt.Sprintf("%s/reservations/%s/%s", h.cfg.InventoryServiceURL, orderItemID, verb)
	err := h.post(ctx, "inventory", url, nil)
	switch {
	case err == nil:
		return nil
	case hasStatus(err, http.StatusNotFound), hasStatus(err, http.StatusConflict):
		h.logger.Warn("reservation not settled", "error", err, "order_item_id", orderItemID, "op", verb)
		return nil
	default:
		return fmt.Errorf("%s reservation for item %s: %w", verb, orderItemID, err)
	}
}

type bulkCancelRequest struct {
	Action  string   `json:"action"`
	Actor   string   `json:"actor"`
	Reason  string   `json:"reason"`
	ItemIDs []string `json:"item_ids"`
}

func (h *Handler) cancelOrder(ctx context.Context, event domain.OrderCreatedEvent) error {
	ids := make([]string, len(event.Items))
	for i, item := range event.Items {
		ids[i] = item.ID
	}
	url := fmt.Sprintf("%s/orders/%s/items/actions", h.cfg.OrdersServiceURL, event.OrderID)
	return h.post(ctx, "orders", url, bulkCancelRequest{
		Action:  "cancel",
		Actor:   "system",
		Reason:  OutOfStockReason,
		ItemIDs: ids,
	})
}

func (h *Handler) sendEmail(ctx context.Context, to, subject, body string) error {
	if to == "" {
		h.logger.Info("no contact email, skipping", "subject", subject)
		return nil
	}
	return h.post(ctx, "email", h.cfg.EmailServiceURL+"/send", map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
}

func (h *Handler) post(ctx context.Context, service, url string, payload any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("marshal %s request: %w", service, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s service: %w", service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{service: service, status: resp.StatusCode}
	}
	return nil
}

// itemEmail renders the customer email for an item transition. Cancellations
// the worker made itself are covered by the order cancellation email.
func itemEmail(event domain.ItemStatusChangedEvent) (subject, body string, ok bool) {
	switch event.To {
	case domain.ItemStatusShipped:
		body = fmt.Sprintf("Your %s (size %s) from order %s is on its way.", event.ProductID, event.Size, event.OrderID)
		if event.TrackingURL != "" {
			body += " Track it at " + event.TrackingURL
		}
		return "Item shipped: " + event.OrderID, body, true
	case domain.ItemStatusDelivered:
		return "Item delivered: " + event.OrderID,
			fmt.Sprintf("Your %s (size %s) from order %s has been delivered.", event.ProductID, event.Size, event.OrderID), true
	case domain.ItemStatusCancelled:
		if event.Actor == "system" && event.Reason == OutOfStockReason {
			return "", "", false
		}
		return "Item cancelled: " + event.OrderID,
			fmt.Sprintf("Your %s (size %s) from order %s was cancelled: %s.", event.ProductID, event.Size, event.OrderID, event.Reason), true
	case domain.ItemStatusRefunded:
		return "Refund issued: " + event.OrderID,
			fmt.Sprintf("We refunded your %s (size %s) from order %s.", event.ProductID, event.Size, event.OrderID), true
	default:
		return "", "", false
	}
}

func formatAmount(paise int64) string {
	return fmt.Sprintf("INR %d.%02d", paise/100, paise%100)
}
