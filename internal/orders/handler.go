package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	repo     OrderStore
	producer EventPublisher
	logger   *slog.Logger
	currency string
}

// NewHandler wires the checkout and read endpoints. producer may be nil.
func NewHandler(repo OrderStore, producer EventPublisher, logger *slog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		logger:   logger,
		currency: "INR",
	}
}

type createItemRequest struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type createOrderRequest struct {
	UserID          string                 `json:"user_id"`
	GuestSessionID  string                 `json:"guest_session_id"`
	ContactName     string                 `json:"contact_name"`
	ContactEmail    string                 `json:"contact_email"`
	ContactPhone    string                 `json:"contact_phone"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	PaymentMethod   domain.PaymentMethod   `json:"payment_method"`
	Discount        int64                  `json:"discount"`
	Items           []createItemRequest    `json:"items"`
}

func (req createOrderRequest) validate() error {
	userID := strings.TrimSpace(req.UserID)
	guestID := strings.TrimSpace(req.GuestSessionID)
	switch {
	case userID != "" && guestID != "":
		return errors.New("order must belong to either a user or a guest session, not both")
	case userID == "" && guestID == "":
		return errors.New("user_id or guest_session_id is required")
	case guestID != "" && strings.TrimSpace(req.ContactEmail) == "":
		return errors.New("guest checkout requires a contact email")
	}
	if req.ContactEmail != "" {
		if _, err := mail.ParseAddress(req.ContactEmail); err != nil {
			return errors.New("contact email is invalid")
		}
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" || strings.TrimSpace(item.Size) == "" {
			return errors.New("every item needs a product_id and size")
		}
	}
	return nil
}

// HandleCreate places an order. All items start pending; online orders wait
// for payment through the checkout endpoint.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	items := make([]domain.OrderItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.OrderItem{
			ProductID:       strings.TrimSpace(item.ProductID),
			Size:            strings.TrimSpace(item.Size),
			Quantity:        item.Quantity,
			PriceAtPurchase: item.UnitPrice,
			Status:          domain.ItemStatusPending,
		}
	}

	pricing, err := Price(items, req.Discount, req.PaymentMethod)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	now := time.Now().UTC()
	order := &domain.Order{
		UserID:          strings.TrimSpace(req.UserID),
		GuestSessionID:  strings.TrimSpace(req.GuestSessionID),
		ContactName:     req.ContactName,
		ContactEmail:    req.ContactEmail,
		ContactPhone:    req.ContactPhone,
		ShippingAddress: req.ShippingAddress,
		Status:          domain.OrderStatusPending,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   domain.PaymentStatusPending,
		Currency:        h.currency,
		Subtotal:        pricing.Subtotal,
		Discount:        pricing.Discount,
		DeliveryCharge:  pricing.DeliveryCharge,
		CODFee:          pricing.CODFee,
		TotalAmount:     pricing.Total,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.repo.Create(r.Context(), order); err != nil {
		h.logger.Error("failed to create order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.producer != nil {
		event := domain.OrderCreatedEvent{
			OrderID:       order.ID,
			ContactEmail:  order.ContactEmail,
			PaymentMethod: order.PaymentMethod,
			TotalAmount:   order.TotalAmount,
			Items:         order.Items,
			Timestamp:     order.CreatedAt,
		}
		if err := h.producer.Publish(r.Context(), order.ID, event); err != nil {
			h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	h.logger.Info("order created", "order_id", order.ID, "guest", order.IsGuest(),
		"payment_method", order.PaymentMethod, "total_amount", order.TotalAmount)
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// HandleList serves GET /orders?status=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	orders, err := h.repo.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders), "status", status)
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data, h.logger)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
