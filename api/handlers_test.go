/*
handlers_test.go - HTTP tests for the remittance API

Tests for:
- Operation endpoints and their JSON responses
- Error mapping (status codes, machine-readable codes, Retry-After)
- Gateway-header and bearer-token identity
- /healthz and /metrics
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/api"
	"github.com/warp/remittance-engine/metrics"
	"github.com/warp/remittance-engine/remittance"
	"github.com/warp/remittance-engine/remittance/store"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var admin = remittance.Actor{ID: "admin-1", OrgID: "org-1", Role: remittance.RoleAdmin}

type testServer struct {
	mem     *store.Memory
	locks   *remittance.LockManager
	handler *api.Handler
	router  http.Handler
}

func newTestServer(t *testing.T, opts api.RouterOptions) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t)
	mem := store.NewMemory()
	locks := remittance.NewLockManager(mem, remittance.DefaultLockConfig(), log)

	reg := prometheus.NewRegistry()
	orch := remittance.NewOrchestrator(mem, locks, remittance.Config{Recorder: metrics.New(reg), Logger: log})
	h := api.NewHandler(orch, log)
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}

	for _, p := range []remittance.ParentTransaction{
		{ID: "tx-1", OrgID: "org-1", AmountCents: 5000, Direction: remittance.DirectionIn, RemittanceType: remittance.TypeDonations},
		{ID: "tx-out", OrgID: "org-1", AmountCents: 5000, Direction: remittance.DirectionOut},
	} {
		require.NoError(t, mem.SaveParent(context.Background(), p))
	}

	return &testServer{mem: mem, locks: locks, handler: h, router: api.NewRouter(h, opts)}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor *remittance.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(api.HeaderActorID, actor.ID)
		req.Header.Set(api.HeaderOrgID, actor.OrgID)
		req.Header.Set(api.HeaderActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func processBody() map[string]any {
	return map[string]any{
		"orgId":      "org-1",
		"parentTxId": "tx-1",
		"items": []map[string]any{
			{"contactId": "donor-1", "amountCents": 2000, "iban": "ES91 2100 0418 4502 0005 1332"},
			{"contactId": "donor-2", "amount": "30.00"},
		},
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestProcessUndo_HTTP(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})

	// WHEN: Processing
	rec := s.do(t, http.MethodPost, "/api/remittances/process", processBody(), &admin)

	// THEN: 200 with counts and euro totals
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.OperationResponse](t, rec)
	assert.Equal(t, remittance.StatusProcessed, res.Status)
	assert.Equal(t, remittance.OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Counts.Expected)
	assert.Equal(t, "50.00", res.TotalsEUR.Resolved)
	assert.Len(t, res.InputHash, 64)

	// WHEN: Replaying
	rec = s.do(t, http.MethodPost, "/api/remittances/process", processBody(), &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.OperationResponse](t, rec).Idempotent)

	// WHEN: Reading the record
	rec = s.do(t, http.MethodGet, "/api/remittances/tx-1?orgId=org-1", nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	record := decode[api.RecordDTO](t, rec)
	assert.Len(t, record.ChildIDs, 2)
	assert.Equal(t, "process", record.LastOperation)

	// WHEN: Checking
	rec = s.do(t, http.MethodGet, "/api/remittances/check?orgId=org-1&parentTxId=tx-1", nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[remittance.CheckReport](t, rec).Consistent)

	// WHEN: Undoing
	rec = s.do(t, http.MethodPost, "/api/remittances/undo", map[string]string{"orgId": "org-1", "parentTxId": "tx-1"}, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[api.OperationResponse](t, rec)
	assert.Equal(t, remittance.StatusUndone, res.Status)
	assert.Equal(t, 2, res.Archived)
}

func TestStageThenProcess_HTTP(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})

	body := processBody()
	rec := s.do(t, http.MethodPost, "/api/remittances/stage", body, &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[api.OperationResponse](t, rec).Counts.Pending)

	delete(body, "items")
	rec = s.do(t, http.MethodPost, "/api/remittances/process", body, &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[api.OperationResponse](t, rec).Created)
}

func TestSanitize_HTTP(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})

	rec := s.do(t, http.MethodPost, "/api/remittances/sanitize", map[string]string{"orgId": "org-1", "parentTxId": "tx-1"}, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, remittance.SanitizeNoop, decode[api.OperationResponse](t, rec).SanitizeAction)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	member := remittance.Actor{ID: "member-1", OrgID: "org-1", Role: remittance.RoleMember}
	undoBody := map[string]string{"orgId": "org-1", "parentTxId": "tx-1"}

	mismatch := processBody()
	mismatch["items"] = []map[string]any{{"contactId": "donor-1", "amountCents": 4999}}

	outbound := processBody()
	outbound["parentTxId"] = "tx-out"

	missingAmount := processBody()
	missingAmount["items"] = []map[string]any{{"contactId": "donor-1"}}

	unknown := processBody()
	unknown["parentTxId"] = "nope"

	tests := []struct {
		name     string
		path     string
		body     any
		actor    *remittance.Actor
		wantCode int
		wantErr  string
	}{
		{"malformed body", "/api/remittances/process", "{not json", &admin, http.StatusBadRequest, "invalid_payload"},
		{"missing amount", "/api/remittances/process", missingAmount, &admin, http.StatusBadRequest, "invalid_payload"},
		{"no identity", "/api/remittances/process", processBody(), nil, http.StatusUnauthorized, "unauthenticated"},
		{"member", "/api/remittances/process", processBody(), &member, http.StatusForbidden, "permission_denied"},
		{"unknown parent", "/api/remittances/process", unknown, &admin, http.StatusNotFound, "not_found"},
		{"not inbound", "/api/remittances/process", outbound, &admin, http.StatusUnprocessableEntity, "not_inbound"},
		{"nothing to undo", "/api/remittances/undo", undoBody, &admin, http.StatusConflict, "invalid_transition"},
		{"sum mismatch", "/api/remittances/process", mismatch, &admin, http.StatusUnprocessableEntity, "blocked_by_invariant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, api.RouterOptions{})
			rec := s.do(t, http.MethodPost, tt.path, tt.body, tt.actor)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decode[api.ErrorResponse](t, rec).Code)
		})
	}
}

func TestProcess_RejectsInexactAmounts(t *testing.T) {
	tests := []struct {
		name      string
		item      map[string]any
		wantField string
	}{
		{"sub-cent euros", map[string]any{"contactId": "donor-1", "amount": "30.005"}, "items[0].amount"},
		{"euros beyond int64 cents", map[string]any{"contactId": "donor-1", "amount": "184467440737095516.17"}, "items[0].amount"},
		{"cents above parent", map[string]any{"contactId": "donor-1", "amountCents": int64(math.MaxInt64)}, "items[0].amountCents"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, api.RouterOptions{})
			body := processBody()
			body["items"] = []map[string]any{tt.item}

			rec := s.do(t, http.MethodPost, "/api/remittances/process", body, &admin)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[api.ErrorResponse](t, rec)
			assert.Equal(t, "invalid_payload", resp.Code)
			assert.Contains(t, resp.Details, tt.wantField)

			rec = s.do(t, http.MethodGet, "/api/remittances/tx-1?orgId=org-1", nil, &admin)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestErrorMapping_InvariantDetails(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})
	body := processBody()
	body["items"] = []map[string]any{{"contactId": "donor-1", "amountCents": 4999}}

	rec := s.do(t, http.MethodPost, "/api/remittances/process", body, &admin)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Code    string               `json:"code"`
		Details api.InvariantDetails `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, remittance.CodeSum, resp.Details.Code)
	assert.Equal(t, int64(5000), resp.Details.Expected)
	assert.Equal(t, int64(4999), resp.Details.Actual)
}

func TestErrorMapping_ContentionRetryAfter(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})
	ctx := context.Background()

	lease, err := s.locks.AcquireLockWithHeartbeat(ctx, remittance.LockKey("org-1", "tx-1"))
	require.NoError(t, err)
	defer lease.Release(ctx)

	rec := s.do(t, http.MethodPost, "/api/remittances/process", processBody(), &admin)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "blocked_by_contention", decode[api.ErrorResponse](t, rec).Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestGetRecord_NotFound(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})

	rec := s.do(t, http.MethodGet, "/api/remittances/tx-1?orgId=org-1", nil, &admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BEARER TOKENS
// =============================================================================

func TestIdentity_BearerToken(t *testing.T) {
	secret := []byte("test-secret")
	s := newTestServer(t, api.RouterOptions{JWTSecret: secret})

	send := func(token string, headers *remittance.Actor) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(processBody()))
		req := httptest.NewRequest(http.MethodPost, "/api/remittances/process", &buf)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if headers != nil {
			req.Header.Set(api.HeaderActorID, headers.ID)
			req.Header.Set(api.HeaderOrgID, headers.OrgID)
			req.Header.Set(api.HeaderActorRole, string(headers.Role))
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("gateway headers are ignored", func(t *testing.T) {
		rec := send("", &admin)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := api.IssueToken([]byte("other"), admin, time.Minute)
		require.NoError(t, err)
		rec := send(token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := api.IssueToken(secret, admin, -time.Minute)
		require.NoError(t, err)
		rec := send(token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "expired")
	})

	t.Run("valid", func(t *testing.T) {
		token, err := api.IssueToken(secret, admin, time.Minute)
		require.NoError(t, err)
		rec := send(token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})
}

// =============================================================================
// OPERATIONS ENDPOINTS
// =============================================================================

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})
	s.handler.Health["store"] = pingFunc(func(context.Context) error { return nil })

	rec := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.handler.Health["redis"] = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	rec = s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode[struct {
		OK     bool              `json:"ok"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	assert.False(t, body.OK)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})
	s.do(t, http.MethodPost, "/api/remittances/process", processBody(), &admin)

	rec := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `remittance_operations_total{operation="process",outcome="applied"} 1`))
}
