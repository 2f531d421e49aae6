package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

// UserIDHeader carries the authenticated caller, set by the API gateway.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Register mounts the approval routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals", h.SubmitRequest)
	mux.HandleFunc("/api/v1/approvals/get", h.GetRequest)
	mux.HandleFunc("/api/v1/approvals/history", h.GetHistory)
	mux.HandleFunc("/api/v1/approvals/audit", h.GetAuditTrail)
	mux.HandleFunc("/api/v1/approvals/pending", h.ListPending)
	mux.HandleFunc("/api/v1/approvals/approve", h.Approve)
	mux.HandleFunc("/api/v1/approvals/reject", h.Reject)
	mux.HandleFunc("/api/v1/approvals/delegate", h.Delegate)
	mux.HandleFunc("/api/v1/approvals/escalate", h.Escalate)
	mux.HandleFunc("/api/v1/approvals/recall", h.Recall)
	mux.HandleFunc("/api/v1/approvals/check-expiry", h.CheckExpiry)
}

type approveBody struct {
	ID string `json:"id"`
	service.ApproveOptions
}

type rejectBody struct {
	ID string `json:"id"`
	service.RejectOptions
}

type delegateBody struct {
	ID         string     `json:"id"`
	DelegateTo string     `json:"delegate_to"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type reasonBody struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// SubmitRequest handles submit approval request HTTP requests
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req service.SubmitRequest
	if !decode(w, r, &req) {
		return
	}

	created, err := h.service.Submit(r.Context(), req, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles get approval request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetHistory handles approval history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	history, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"history": history,
	})
}

// GetAuditTrail handles audit log HTTP requests
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	events, err := h.service.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"events": events,
	})
}

// ListPending handles pending approvals HTTP requests. The approver defaults
// to the caller.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		approverID = r.Header.Get(UserIDHeader)
	}

	reqs, err := h.service.ListPendingFor(r.Context(), approverID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approver_id": approverID,
		"requests":    reqs,
		"total":       len(reqs),
	})
}

// Approve handles approve HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body approveBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.Approve(r.Context(), body.ID, actor, body.ApproveOptions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Reject handles reject HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body rejectBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.Reject(r.Context(), body.ID, actor, body.RejectOptions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Delegate handles delegate HTTP requests
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body delegateBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.Delegate(r.Context(), body.ID, actor, body.DelegateTo, service.DelegateOptions{
		Reason:    body.Reason,
		ExpiresAt: body.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Escalate handles escalate HTTP requests
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.Escalate(r.Context(), body.ID, body.Reason, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Recall handles recall HTTP requests
func (h *HTTPHandler) Recall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.Recall(r.Context(), body.ID, actor, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CheckExpiry handles check expiry HTTP requests
func (h *HTTPHandler) CheckExpiry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.service.CheckExpiry(r.Context(), body.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

var httpStatus = map[errors.Code]int{
	errors.ErrCodeInvalidRequest:   http.StatusBadRequest,
	errors.ErrCodeNotFound:         http.StatusNotFound,
	errors.ErrCodeNotPending:       http.StatusConflict,
	errors.ErrCodeExpired:          http.StatusGone,
	errors.ErrCodeUnauthorized:     http.StatusForbidden,
	errors.ErrCodeForbidden:        http.StatusForbidden,
	errors.ErrCodeNoEscalationPath: http.StatusUnprocessableEntity,
	errors.ErrCodeConflict:         http.StatusConflict,
	errors.ErrCodeOutcomeUnknown:   http.StatusServiceUnavailable,
	errors.ErrCodeInternal:         http.StatusInternalServerError,
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code errors.Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := StatusFor(code)
	msg := errors.Message(err)
	if status >= http.StatusInternalServerError {
		event := h.log.Error().Err(err).Str("code", string(code)).Str("path", r.URL.Path)
		if id, ok := hlog.IDFromRequest(r); ok {
			event = event.Str("request_id", id.String())
		}
		event.Msg("Request failed")
		if code == errors.ErrCodeInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(UserIDHeader)
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Code:    errors.ErrCodeUnauthorized,
			Message: UserIDHeader + " header is required",
		})
		return "", false
	}
	return actor, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    errors.ErrCodeInvalidRequest,
			Message: "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    errors.ErrCodeInvalidRequest,
		Message: "method not allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
