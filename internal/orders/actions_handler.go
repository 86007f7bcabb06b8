package orders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
)

// ActionsHandler exposes the lifecycle engine: item actions, reconciliation
// and return resolution.
type ActionsHandler struct {
	service *lifecycle.Service
	logger  *slog.Logger
}

func NewActionsHandler(service *lifecycle.Service, logger *slog.Logger) *ActionsHandler {
	return &ActionsHandler{
		service: service,
		logger:  logger,
	}
}

type actionRequest struct {
	Action lifecycle.ActionName `json:"action"`
	// Actor defaults to admin. Who may claim which actor is decided by the
	// edge in front of this service.
	Actor lifecycle.Actor `json:"actor"`
	lifecycle.ActionFields
}

func (req actionRequest) parse() (lifecycle.Action, lifecycle.Actor, error) {
	action, err := lifecycle.ParseAction(req.Action, req.ActionFields)
	if err != nil {
		return nil, "", err
	}
	actor := req.Actor
	if actor == "" {
		actor = lifecycle.ActorAdmin
	}
	return action, actor, nil
}

func (h *ActionsHandler) HandleItemAction(w http.ResponseWriter, r *http.Request) {
	orderID, itemID := r.PathValue("id"), r.PathValue("itemId")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, actor, err := req.parse()
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	res, err := h.service.Dispatch(r.Context(), lifecycle.Request{
		OrderID: orderID,
		ItemID:  itemID,
		Action:  action,
		Actor:   actor,
	})
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type bulkActionRequest struct {
	actionRequest
	ItemIDs []string `json:"item_ids"`
}

type bulkActionResponse struct {
	*lifecycle.BulkResult
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Summary   string `json:"summary"`
}

// HandleBulkAction applies one action to many items of an order. Per-item
// failures are reported in the body; the status is 200 as long as the batch ran.
func (h *ActionsHandler) HandleBulkAction(w http.ResponseWriter, r *http.Request) {
	var req bulkActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, actor, err := req.parse()
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	out, err := h.service.DispatchBulk(r.Context(), lifecycle.BulkRequest{
		OrderID: r.PathValue("id"),
		ItemIDs: req.ItemIDs,
		Action:  action,
		Actor:   actor,
	})
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, bulkActionResponse{
		BulkResult: out,
		Succeeded:  out.Succeeded(),
		Failed:     out.Failed(),
		Summary:    out.Summary(),
	})
}

// HandleReconcile recomputes the aggregates of one order on demand.
func (h *ActionsHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	agg, err := h.service.RecomputeAggregates(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agg)
}

func (h *ActionsHandler) HandleListReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := h.service.ListReturns(r.Context(), domain.ReturnStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, returns)
}

type resolveReturnRequest struct {
	Decision lifecycle.ReturnDecisionKind `json:"decision"`
	Note     string                       `json:"note"`
	Actor    lifecycle.Actor              `json:"actor"`
}

func (h *ActionsHandler) HandleResolveReturn(w http.ResponseWriter, r *http.Request) {
	var req resolveReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		req.Actor = lifecycle.ActorAdmin
	}

	ret, err := h.service.ResolveReturn(r.Context(), lifecycle.ReturnDecision{
		ReturnID: r.PathValue("id"),
		Decision: req.Decision,
		Note:     req.Note,
		Actor:    req.Actor,
	})
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ret)
}

type errorResponse struct {
	Error     string `json:"error"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeLifecycleError maps engine errors to status codes: rejected actions are
// 422 and carry the transition, failed store calls are 503 and may be retried.
func (h *ActionsHandler) writeLifecycleError(w http.ResponseWriter, err error) {
	var ve *lifecycle.ValidationError
	switch {
	case errors.As(err, &ve):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Error(), From: ve.From, To: ve.To})
	case errors.Is(err, lifecycle.ErrEmptyBulk):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case lifecycle.IsNotFound(err):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case lifecycle.IsRetryable(err):
		h.logger.Error("lifecycle store call failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Retryable: true})
	default:
		h.logger.Error("lifecycle request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *ActionsHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data, h.logger)
}

func (h *ActionsHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
