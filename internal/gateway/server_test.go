package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/engine"
)

func newTestServer(t *testing.T) (*Server, *testHarness) {
	t.Helper()
	h := newHarness(t)
	return NewServer(h.gateway, h.hub, "/tmp/unused.sock", zap.NewNop()), h
}

func postCall(t *testing.T, s *Server, role string, body callBody) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader(raw))
	if role != "" {
		req.Header.Set(roleHeader, role)
	}
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)
	return rec
}

func TestHandleCall_Success(t *testing.T) {
	s, h := newTestServer(t)
	h.seedKid(t, "kid1", 600)

	rec := postCall(t, s, "family", callBody{
		Method: engine.MethodGetRemainingTime,
		Args:   map[string]any{"profile_id": "kid1"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var view remainingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(600), view.RemainingSeconds)
}

func TestHandleCall_MissingRoleHeader(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postCall(t, s, "", callBody{Method: engine.MethodGetActiveProfile})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCall_UnknownRoleRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postCall(t, s, "superuser", callBody{Method: engine.MethodGetActiveProfile})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCall_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader([]byte("{not json")))
	req.Header.Set(roleHeader, "root")
	rec := httptest.NewRecorder()
	s.handleCall(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCall_ErrorStatusMapping(t *testing.T) {
	s, h := newTestServer(t)
	h.seedKid(t, "kid1", 600)

	tests := []struct {
		name string
		role string
		body callBody
		want int
	}{
		{
			name: "role denied is 403",
			role: "family",
			body: callBody{Method: engine.MethodAddTime, Args: map[string]any{"profile_id": "kid1", "seconds": 60}},
			want: http.StatusForbidden,
		},
		{
			name: "unknown profile is 404",
			role: "family",
			body: callBody{Method: engine.MethodGetRemainingTime, Args: map[string]any{"profile_id": "ghost"}},
			want: http.StatusNotFound,
		},
		{
			name: "missing argument is 400",
			role: "family",
			body: callBody{Method: engine.MethodGetRemainingTime},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown request is 404",
			role: "parent",
			body: callBody{Method: engine.MethodGetRequestStatus, Args: map[string]any{"request_id": "nope"}},
			want: http.StatusNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postCall(t, s, tc.role, tc.body)
			assert.Equal(t, tc.want, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandleCall_AlreadyResolvedConflict(t *testing.T) {
	s, h := newTestServer(t)
	h.seedKid(t, "kid1", 600)

	rec := postCall(t, s, "family", callBody{
		Method: engine.MethodRequestParentPermission,
		Args:   map[string]any{"profile_id": "kid1", "application": "minecraft"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var req requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))

	resolve := callBody{
		Method: engine.MethodResolveRequest,
		Args:   map[string]any{"request_id": req.ID, "approve": true},
	}
	assert.Equal(t, http.StatusOK, postCall(t, s, "root", resolve).Code)
	assert.Equal(t, http.StatusConflict, postCall(t, s, "root", resolve).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(domain.ErrRoleDenied))
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrUnknownProfile))
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrAlreadyResolved))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrStorageUnavailable))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrInvalidArgument))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError), "unclassified failures are server faults")
}
