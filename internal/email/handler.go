package email

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Handler accepts customer emails and pretends to deliver them.
type Handler struct {
	logger *slog.Logger
	delay  func() time.Duration
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
		delay: func() time.Duration {
			return time.Duration(50+rand.IntN(151)) * time.Millisecond
		},
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.To); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid recipient address")
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "subject is required")
		return
	}

	select {
	case <-time.After(h.delay()):
	case <-r.Context().Done():
		h.writeError(w, http.StatusServiceUnavailable, "delivery interrupted")
		return
	}

	messageID := uuid.NewString()
	h.logger.Info("email sent", "to", req.To, "subject", req.Subject, "message_id", messageID)

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", MessageID: messageID})
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
