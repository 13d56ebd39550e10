package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/logger"
	"github.com/visioncare/be-screening-workflow/internal/repository"
	"github.com/visioncare/be-screening-workflow/internal/service"
)

// stubAuthenticator resolves fixed tokens to fixed identities.
type stubAuthenticator struct {
	users map[string]*auth.UserContext
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (*auth.UserContext, error) {
	user, ok := s.users[token]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "unknown token")
	}
	return user, nil
}

type stubPatients struct{}

func (stubPatients) GetPatientName(_ context.Context, patientID string) string {
	return "Patient-" + patientID
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := logger.New(logger.Config{Level: "error", ServiceName: "test"})
	store := repository.NewMemory()
	svc := service.NewWorkflowService(store, stubPatients{}, nil, service.NewSystemClock(), service.Config{}, log)
	h := NewHTTPHandler(svc, log)

	authn := &stubAuthenticator{users: map[string]*auth.UserContext{
		"tok-reg": {UserID: "u-reg", DisplayName: "Reg Staff", Role: string(repository.RoleRegistrationStaff)},
		"tok-vis": {UserID: "u-vis", DisplayName: "Vision Tech", Role: string(repository.RoleVisionTechnician)},
		"tok-sup": {UserID: "u-sup", DisplayName: "Supervisor", Role: string(repository.RoleSupervisor)},
	}}

	apiMux := http.NewServeMux()
	h.Register(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("/", auth.Middleware(authn, &log.Logger)(apiMux))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions", "tok-reg", map[string]any{
		"patient_id": "p-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := body["session"].(map[string]any)
	return sess["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions", "", map[string]any{"patient_id": "p-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["detail"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/sessions", "tok-bogus", map[string]any{"patient_id": "p-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["detail"])
}

func TestSessionRoutes(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions", "tok-reg", map[string]any{
		"patient_id": "p-9",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "p-9", sess["patient_id"])
	assert.Equal(t, "Patient-p-9", sess["patient_name"])
	assert.Equal(t, "registration", sess["current_step"])
	assert.Len(t, sess["steps"], 9)
	id := sess["id"].(string)

	t.Run("get", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "tok-vis", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		got := body["session"].(map[string]any)
		assert.Equal(t, id, got["id"])
	})

	t.Run("get unknown is 404", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/ghost", "tok-vis", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", body["detail"])
	})

	t.Run("invalid body is 400", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/sessions", bytes.NewBufferString("{nope"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok-reg")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStepRoutes(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-reg", map[string]any{
		"data": map[string]any{"full_name": "Ana Gomez"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := body["session"].(map[string]any)
	steps := sess["steps"].([]any)
	reg := steps[0].(map[string]any)
	assert.Equal(t, "in_progress", reg["status"])
	assert.Equal(t, "Ana Gomez", reg["data"].(map[string]any)["full_name"])

	t.Run("wrong role is 403", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-vis", map[string]any{
			"data": map[string]any{"full_name": "X"},
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "FORBIDDEN", body["detail"])
	})

	t.Run("unreachable step is 422", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/vision_testing", "tok-vis", map[string]any{
			"data": map[string]any{"unaided_right": "6/6"},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "STEP_NOT_REACHABLE", body["detail"])
	})

	t.Run("type mismatch is 400", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-reg", map[string]any{
			"data": map[string]any{"full_name": 12},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body["detail"])
	})
}

func TestActivityLogRoute(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	// One view on top of the create entry.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "tok-sup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id+"/activity-logs", "tok-sup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(50), body["limit"])
	logs := body["logs"].([]any)
	require.Len(t, logs, 2)
	newest := logs[0].(map[string]any)
	assert.Equal(t, "view", newest["action"])

	t.Run("action filter", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet,
			srv.URL+"/sessions/"+id+"/activity-logs?action=create", "tok-sup", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["total"])
	})

	t.Run("bad limit is 400", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet,
			srv.URL+"/sessions/"+id+"/activity-logs?limit=999", "tok-sup", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body["detail"])

		resp, _ = doJSON(t, http.MethodGet,
			srv.URL+"/sessions/"+id+"/activity-logs?limit=abc", "tok-sup", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLockRoutes(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/lock", "tok-sup", map[string]any{
		"reason": "chart audit",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	lock := body["lock"].(map[string]any)
	assert.Equal(t, "editing", lock["lock_type"])
	assert.Equal(t, true, lock["is_active"])

	t.Run("locked write is 423", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-reg", map[string]any{
			"data": map[string]any{"full_name": "Ana"},
		})
		assert.Equal(t, http.StatusLocked, resp.StatusCode)
		assert.Equal(t, "LOCKED", body["detail"])
	})

	t.Run("unlock requires a reason", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+id+"/lock", "tok-sup", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body["detail"])
	})

	t.Run("unlock", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodDelete,
			srv.URL+"/sessions/"+id+"/lock?reason=audit+done", "tok-sup", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		sess := body["session"].(map[string]any)
		assert.Equal(t, false, sess["is_locked"])
	})
}

func TestApprovalRoutes(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	// Complete registration asking for a review gate.
	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-reg", map[string]any{
		"data":             map[string]any{"full_name": "Ana Gomez"},
		"complete":         true,
		"request_approval": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "tok-sup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := body["session"].(map[string]any)
	assert.Equal(t, "requires_approval", sess["overall_status"])

	t.Run("duplicate request conflicts", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/approval-requests", "tok-reg", map[string]any{
			"step":   "registration",
			"reason": "please check",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "CONFLICT", body["detail"])
	})

	t.Run("resolve", func(t *testing.T) {
		reqID := pendingApprovalID(t, srv, id)
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/approval-requests/"+reqID, "tok-sup", map[string]any{
			"decision": "approve",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		approval := body["approval_request"].(map[string]any)
		assert.Equal(t, "approved", approval["status"])

		resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "tok-sup", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		sess := body["session"].(map[string]any)
		assert.Equal(t, "initial_assessment", sess["current_step"])
	})
}

// pendingApprovalID digs the approval request id out of the gate's log entry.
func pendingApprovalID(t *testing.T, srv *httptest.Server, sessionID string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/sessions/"+sessionID+"/activity-logs?action=create", "tok-sup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, raw := range body["logs"].([]any) {
		entry := raw.(map[string]any)
		comment, _ := entry["comment"].(string)
		var id string
		if n, _ := fmt.Sscanf(comment, "approval request %s opened", &id); n == 1 {
			return id
		}
	}
	t.Fatal("no approval request log entry found")
	return ""
}

func TestAccessGrantRoutes(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/access-grants", "tok-sup", map[string]any{
		"user_id":       "u-vis",
		"role":          "vision_technician",
		"allowed_steps": []string{"registration"},
		"permissions":   []string{"view", "update"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	grant := body["access_grant"].(map[string]any)
	assert.Equal(t, "u-vis", grant["user_id"])

	t.Run("granted user can now write", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-vis", map[string]any{
			"data": map[string]any{"school_name": "Hillside"},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("non-supervisor grant is 403", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/access-grants", "tok-reg", map[string]any{
			"user_id": "u-x", "role": "doctor",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "FORBIDDEN", body["detail"])
	})

	t.Run("revoke", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodDelete,
			srv.URL+"/sessions/"+id+"/access-grants/u-vis", "tok-sup", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])

		resp, _ = doJSON(t, http.MethodPut, srv.URL+"/sessions/"+id+"/steps/registration", "tok-vis", map[string]any{
			"data": map[string]any{"school_name": "Other"},
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
