package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
)

const testSecret = "whsec_test"

type recorded struct {
	orderID   string
	status    domain.PaymentStatus
	reference string
}

type fakeStore struct {
	orders   map[string]*domain.Order
	recorded []recorded
	err      error
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.orders[id], nil
}

func (s *fakeStore) RecordPayment(_ context.Context, orderID string, status domain.PaymentStatus, reference string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.recorded = append(s.recorded, recorded{orderID, status, reference})
	return true, nil
}

type fakeCheckout struct {
	requests []CheckoutRequest
}

func (f *fakeCheckout) CreateSession(_ context.Context, req CheckoutRequest) (Session, error) {
	f.requests = append(f.requests, req)
	return Session{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (f *fakeCheckout) Refund(context.Context, lifecycle.RefundRequest) error { return nil }

func newTestHandler(store *fakeStore, checkout Checkout) *Handler {
	return NewHandler(checkout, store, HandlerConfig{WebhookSecret: testSecret}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func sessionEvent(eventType, paymentStatus string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": %q,
		"type": %q,
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"client_reference_id": "o-1",
			"payment_status": %q,
			"payment_intent": "pi_123"
		}}
	}`, stripe.APIVersion, eventType, paymentStatus)
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		event      string
		wantStatus domain.PaymentStatus
		wantRecord bool
	}{
		{"completed and paid", sessionEvent(eventSessionCompleted, "paid"), domain.PaymentStatusPaid, true},
		{"completed but unpaid", sessionEvent(eventSessionCompleted, "unpaid"), "", false},
		{"async success", sessionEvent(eventAsyncPaymentSucceeded, "paid"), domain.PaymentStatusPaid, true},
		{"async failure", sessionEvent(eventAsyncPaymentFailed, "unpaid"), domain.PaymentStatusFailed, true},
		{"expired", sessionEvent(eventSessionExpired, "unpaid"), domain.PaymentStatusFailed, true},
		{"unrelated event", sessionEvent("customer.created", "paid"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			rec := httptest.NewRecorder()

			newTestHandler(store, &fakeCheckout{}).HandleWebhook(rec, signedRequest(t, tt.event))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			if !tt.wantRecord {
				assert.Empty(t, store.recorded)
				return
			}
			require.Len(t, store.recorded, 1)
			assert.Equal(t, recorded{"o-1", tt.wantStatus, "pi_123"}, store.recorded[0])
		})
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	store := &fakeStore{}
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(sessionEvent(eventSessionCompleted, "paid")))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()

	newTestHandler(store, &fakeCheckout{}).HandleWebhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.recorded)
}

func TestHandleWebhook_StoreDown(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	rec := httptest.NewRecorder()

	newTestHandler(store, &fakeCheckout{}).HandleWebhook(rec, signedRequest(t, sessionEvent(eventSessionCompleted, "paid")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleCheckout(t *testing.T) {
	order := &domain.Order{
		ID:            "o-1",
		PaymentMethod: domain.PaymentMethodOnline,
		PaymentStatus: domain.PaymentStatusPending,
		TotalAmount:   1004800,
		Currency:      "INR",
		ContactEmail:  "runner@example.com",
	}
	cod := *order
	cod.ID, cod.PaymentMethod = "o-2", domain.PaymentMethodCOD
	paid := *order
	paid.ID, paid.PaymentStatus = "o-3", domain.PaymentStatusPaid
	store := &fakeStore{orders: map[string]*domain.Order{"o-1": order, "o-2": &cod, "o-3": &paid}}

	tests := []struct {
		id         string
		wantStatus int
	}{
		{"o-1", http.StatusCreated},
		{"o-2", http.StatusUnprocessableEntity},
		{"o-3", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			checkout := &fakeCheckout{}
			mux := http.NewServeMux()
			mux.HandleFunc("POST /orders/{id}/checkout", newTestHandler(store, checkout).HandleCheckout)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/"+tt.id+"/checkout", nil))

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusCreated {
				require.Len(t, checkout.requests, 1)
				assert.Equal(t, int64(1004800), checkout.requests[0].Amount)
				assert.Contains(t, rec.Body.String(), "cs_1")
			} else {
				assert.Empty(t, checkout.requests)
			}
		})
	}
}
