package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type StockStore interface {
	ListAll(ctx context.Context) ([]domain.StockLevel, error)
	GetStock(ctx context.Context, productID, size string) (*domain.StockLevel, error)
	Reserve(ctx context.Context, res domain.Reservation) (*domain.Reservation, bool, error)
	Release(ctx context.Context, orderItemID string) (*domain.Reservation, error)
	Commit(ctx context.Context, orderItemID string) (*domain.Reservation, error)
}

type Handler struct {
	repo   StockStore
	logger *slog.Logger
}

func NewHandler(repo StockStore, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	levels, err := h.repo.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock listed", "count", len(levels))
	h.writeJSON(w, http.StatusOK, levels)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID, size := r.PathValue("productId"), r.PathValue("size")
	if productID == "" || size == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id or size")
		return
	}

	stock, err := h.repo.GetStock(r.Context(), productID, size)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "product_id", productID, "size", size)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if stock == nil {
		h.writeError(w, http.StatusNotFound, "stock not found")
		return
	}

	h.writeJSON(w, http.StatusOK, stock)
}

// HandleReserve holds stock for one order item. A repeated request for the
// same order item answers 200 with the existing reservation.
func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req domain.Reservation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.OrderItemID) == "" || req.ProductID == "" || req.Size == "" || req.Quantity <= 0 {
		h.writeError(w, http.StatusBadRequest, "order_item_id, product_id, size and a positive quantity are required")
		return
	}

	res, created, err := h.repo.Reserve(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientStock):
			h.writeError(w, http.StatusConflict, "insufficient stock")
		case errors.Is(err, ErrUnknownStock):
			h.writeError(w, http.StatusNotFound, "stock not found")
		default:
			h.logger.Error("failed to reserve stock", "error", err, "order_item_id", req.OrderItemID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("stock reserved", "order_item_id", res.OrderItemID, "product_id", res.ProductID,
			"size", res.Size, "quantity", res.Quantity)
	}
	h.writeJSON(w, status, res)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "released", h.repo.Release)
}

func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "committed", h.repo.Commit)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, verb string, fn func(context.Context, string) (*domain.Reservation, error)) {
	orderItemID := r.PathValue("orderItemId")
	if orderItemID == "" {
		h.writeError(w, http.StatusBadRequest, "missing order item id")
		return
	}

	res, err := fn(r.Context(), orderItemID)
	if err != nil {
		switch {
		case errors.Is(err, ErrReservationNotFound):
			h.writeError(w, http.StatusNotFound, "reservation not found")
		case errors.Is(err, ErrReservationSettled):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to settle reservation", "error", err, "order_item_id", orderItemID, "to", verb)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("reservation "+verb, "order_item_id", orderItemID, "quantity", res.Quantity)
	h.writeJSON(w, http.StatusOK, res)
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
