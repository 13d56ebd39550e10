package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/logger"
	"github.com/visioncare/be-screening-workflow/internal/repository"
	"github.com/visioncare/be-screening-workflow/internal/service"
)

// HTTPHandler adapts the workflow engine to JSON over HTTP.
type HTTPHandler struct {
	service *service.WorkflowService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.WorkflowService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// Register wires every route onto the mux. Auth middleware is applied by the
// caller; /health is registered outside this set.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("PUT /sessions/{id}/steps/{step}", h.UpdateStep)
	mux.HandleFunc("GET /sessions/{id}/activity-logs", h.ListActivity)
	mux.HandleFunc("POST /sessions/{id}/approval-requests", h.RequestApproval)
	mux.HandleFunc("PUT /approval-requests/{id}", h.ResolveApproval)
	mux.HandleFunc("POST /sessions/{id}/lock", h.LockSession)
	mux.HandleFunc("DELETE /sessions/{id}/lock", h.UnlockSession)
	mux.HandleFunc("POST /sessions/{id}/access-grants", h.GrantAccess)
	mux.HandleFunc("DELETE /sessions/{id}/access-grants/{user_id}", h.RevokeAccess)
}

// CreateSession handles POST /sessions.
func (h *HTTPHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	sess, err := h.service.CreateSession(r.Context(), actor, requestMeta(r), service.CreateSessionRequest{
		PatientID:     req.PatientID,
		ScreeningType: repository.ScreeningType(req.ScreeningType),
		InitialStep:   repository.Step(req.InitialStep),
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, "session created", "session", toSessionResponse(sess))
}

// GetSession handles GET /sessions/{id}.
func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	sess, err := h.service.GetSession(r.Context(), actor, requestMeta(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, "session retrieved", "session", toSessionResponse(sess))
}

// UpdateStep handles PUT /sessions/{id}/steps/{step}.
func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req updateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	sess, err := h.service.UpdateStep(r.Context(), actor, requestMeta(r),
		r.PathValue("id"), repository.Step(r.PathValue("step")), service.UpdateStepRequest{
			Data:            req.Data,
			Complete:        req.Complete,
			RequestApproval: req.RequestApproval,
			Comments:        req.Comments,
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, "step updated", "session", toSessionResponse(sess))
}

// ListActivity handles GET /sessions/{id}/activity-logs.
func (h *HTTPHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	filter, err := activityFilterFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, total, err := h.service.ListActivity(r.Context(), actor, r.PathValue("id"), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]*activityEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toActivityEntryResponse(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "activity logs retrieved",
		"logs":    out,
		"total":   total,
		"skip":    filter.Skip,
		"limit":   filter.Limit,
	})
}

// RequestApproval handles POST /sessions/{id}/approval-requests.
func (h *HTTPHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req requestApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	approval, err := h.service.RequestApproval(r.Context(), actor, requestMeta(r), r.PathValue("id"), service.RequestApprovalInput{
		Step:     repository.Step(req.Step),
		Reason:   req.Reason,
		Data:     req.Data,
		Priority: repository.Priority(req.Priority),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, "approval requested", "approval_request", toApprovalResponse(approval))
}

// ResolveApproval handles PUT /approval-requests/{id}.
func (h *HTTPHandler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	approval, err := h.service.ResolveApproval(r.Context(), actor, requestMeta(r), r.PathValue("id"), service.ResolveApprovalInput{
		Decision: req.Decision,
		Reason:   req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, "approval request resolved", "approval_request", toApprovalResponse(approval))
}

// LockSession handles POST /sessions/{id}/lock.
func (h *HTTPHandler) LockSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req lockSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	in := service.LockSessionInput{
		LockType:      repository.LockType(req.LockType),
		Reason:        req.Reason,
		DurationHours: req.DurationHours,
	}
	if req.Step != nil {
		step := repository.Step(*req.Step)
		in.Step = &step
	}

	lock, err := h.service.LockSession(r.Context(), actor, requestMeta(r), r.PathValue("id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, "session locked", "lock", toLockResponse(lock))
}

// UnlockSession handles DELETE /sessions/{id}/lock.
func (h *HTTPHandler) UnlockSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	sess, err := h.service.UnlockSession(r.Context(), actor, requestMeta(r), r.PathValue("id"), r.URL.Query().Get("reason"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, "session unlocked", "session", toSessionResponse(sess))
}

// GrantAccess handles POST /sessions/{id}/access-grants.
func (h *HTTPHandler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	var req grantAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	in := service.GrantAccessInput{
		UserID:    req.UserID,
		Role:      repository.Role(req.Role),
		ExpiresAt: req.ExpiresAt,
	}
	for _, s := range req.AllowedSteps {
		in.AllowedSteps = append(in.AllowedSteps, repository.Step(s))
	}
	for _, p := range req.Permissions {
		in.Permissions = append(in.Permissions, repository.Action(p))
	}

	grant, err := h.service.GrantAccess(r.Context(), actor, requestMeta(r), r.PathValue("id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, "access granted", "access_grant", toGrantResponse(grant))
}

// RevokeAccess handles DELETE /sessions/{id}/access-grants/{user_id}.
func (h *HTTPHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing identity"))
		return
	}

	if err := h.service.RevokeAccess(r.Context(), actor, requestMeta(r), r.PathValue("id"), r.PathValue("user_id")); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "access revoked",
	})
}

// Health handles GET /health.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func activityFilterFromQuery(r *http.Request) (repository.ActivityFilter, error) {
	q := r.URL.Query()
	f := repository.ActivityFilter{}

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperrors.InvalidInput("skip", "must be an integer")
		}
		f.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperrors.InvalidInput("limit", "must be an integer")
		}
		f.Limit = n
	}
	if v := q.Get("step"); v != "" {
		step := repository.Step(v)
		f.Step = &step
	}
	if v := q.Get("action"); v != "" {
		action := repository.Action(v)
		f.Action = &action
	}
	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperrors.InvalidInput("from", "must be RFC3339")
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperrors.InvalidInput("to", "must be RFC3339")
		}
		f.To = &t
	}
	return f, nil
}

func requestMeta(r *http.Request) service.RequestMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		// First hop in the chain.
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return service.RequestMeta{
		SourceIP:  ip,
		DeviceTag: r.Header.Get("X-Device-Tag"),
	}
}

func (h *HTTPHandler) writeSuccess(w http.ResponseWriter, status int, message, key string, payload any) {
	h.writeJSON(w, status, map[string]any{
		"success": true,
		"message": message,
		key:       payload,
	})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	message := err.Error()
	if code == apperrors.ErrCodeInternal {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		message = "internal error"
	}

	h.writeJSON(w, status, map[string]any{
		"detail":  string(code),
		"message": message,
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
