/*
handlers.go - HTTP API handlers for the remittance engine

PURPOSE:

	Exposes the remittance orchestrator via REST API. Handles HTTP
	request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:

	Remittances (org admin only):
	  GET    /api/remittances/check?orgId&parentTxId  Read-only consistency report
	  GET    /api/remittances/{parentTxId}?orgId      Stored remittance record
	  POST   /api/remittances/process                 Split parent into children
	  POST   /api/remittances/repair                  Purge and rebuild children
	  POST   /api/remittances/undo                    Archive every child
	  POST   /api/remittances/sanitize                Fix legacy metadata
	  POST   /api/remittances/stage                   Replace staged rows

	Operations:
	  GET    /healthz                                 Storage and lease backend health
	  GET    /metrics                                 Prometheus metrics

REQUEST FLOW:
 1. Decode body (or query) into RemittanceRequest
 2. Attach the caller from the Identity middleware
 3. Call the orchestrator
 4. Serialize OperationResponse, or map the error

ERROR HANDLING:

	Errors are returned as JSON ErrorResponse with a machine-readable code:
	- 400 invalid_payload:        Missing or malformed fields
	- 401 unauthenticated:        No verified identity
	- 403 permission_denied:      Not an admin of the org
	- 404 not_found:              Unknown parent or record
	- 409 blocked_by_contention:  Lease held elsewhere, Retry-After set
	- 409 invalid_transition:     Operation not allowed from current status
	- 422 blocked_by_invariant:   R-SUM-1 / R-COUNT-1, run a repair
	- 422 not_inbound:            Parent is not an inbound collection
	- 500 failed:                 Internal errors

	An idempotent replay is a 200 with "idempotent": true.

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Caller identity middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/remittance-engine/remittance"
	"go.uber.org/zap"
)

// RetryAfterSeconds is sent with blocked_by_contention responses.
const RetryAfterSeconds = 5

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is a backend that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *remittance.Orchestrator
	Log          *zap.Logger

	// Health lists the backends /healthz pings, by name.
	Health map[string]Pinger
}

// NewHandler creates a new handler.
func NewHandler(o *remittance.Orchestrator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Orchestrator: o, Log: log, Health: map[string]Pinger{}}
}

// =============================================================================
// REMITTANCE OPERATIONS
// =============================================================================

type operation func(context.Context, remittance.Request) (*remittance.Result, error)

// Process splits a parent into children.
// POST /api/remittances/process
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.Orchestrator.Process)
}

// Repair purges and rebuilds a parent's children.
// POST /api/remittances/repair
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.Orchestrator.Repair)
}

// Undo archives every child of a parent.
// POST /api/remittances/undo
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.Orchestrator.Undo)
}

// Sanitize corrects legacy remittance metadata.
// POST /api/remittances/sanitize
func (h *Handler) Sanitize(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.Orchestrator.Sanitize)
}

// Stage replaces the staged rows of a parent.
// POST /api/remittances/stage
func (h *Handler) Stage(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.Orchestrator.Stage)
}

func (h *Handler) runOperation(w http.ResponseWriter, r *http.Request, op operation) {
	var req RemittanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_payload", err)
		return
	}

	items, err := toItems(req.Items)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res, err := op(r.Context(), remittance.Request{
		OrgID:    req.OrgID,
		ParentID: req.ParentTxID,
		Items:    items,
		Actor:    ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOperationResponse(res))
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

// Check reports whether a remittance is consistent. Never locks or writes.
// GET /api/remittances/check?orgId=...&parentTxId=...
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := h.Orchestrator.Check(r.Context(), remittance.Request{
		OrgID:    q.Get("orgId"),
		ParentID: q.Get("parentTxId"),
		Actor:    ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetRecord returns the stored remittance record.
// GET /api/remittances/{parentTxId}?orgId=...
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Orchestrator.Record(r.Context(), remittance.Request{
		OrgID:    r.URL.Query().Get("orgId"),
		ParentID: chi.URLParam(r, "parentTxId"),
		Actor:    ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// Healthz pings every registered backend.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.Health))
	for name, p := range h.Health {
		if err := p.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var inv *remittance.InvariantError
	switch {
	case errors.Is(err, remittance.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Authentication required", "unauthenticated", err)
	case errors.Is(err, remittance.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "Org admin permission required", "permission_denied", err)
	case errors.As(err, &inv):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Remittance invariant violated, run a repair",
			Code:  string(remittance.OutcomeBlockedInvariant),
			Details: InvariantDetails{
				Code:     inv.Code,
				Expected: inv.Expected,
				Actual:   inv.Actual,
				Message:  inv.Message,
			},
		})
	case remittance.IsRetryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		writeError(w, http.StatusConflict, "Remittance is busy, retry later", string(remittance.OutcomeBlockedContention), err)
	case remittance.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", "not_found", err)
	case errors.Is(err, remittance.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Operation not allowed in current status", "invalid_transition", err)
	case errors.Is(err, remittance.ErrNotInbound):
		writeError(w, http.StatusUnprocessableEntity, "Not an inbound remittance", "not_inbound", err)
	case errors.Is(err, remittance.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "Invalid payload", "invalid_payload", err)
	default:
		h.Log.Error("remittance request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", string(remittance.OutcomeFailed), err)
	}
}
