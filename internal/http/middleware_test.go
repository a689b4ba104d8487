package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func scopedRouter(t *testing.T) (*mux.Router, *auth.Verifier) {
	t.Helper()
	v := auth.NewVerifier(secret, "")
	s := &Server{verifier: v, logger: logging.Discard()}
	m := mux.NewRouter()
	m.Use(s.scoped)
	m.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	m.HandleFunc("/scope", func(w http.ResponseWriter, r *http.Request) {
		sc := scopeOf(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{"id": sc.id})
	})
	api := m.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerOf(r)
		require.True(t, ok)
		writeJSON(w, http.StatusOK, id)
	})
	return m, v
}

func TestScopedAssignsOrKeepsRequestID(t *testing.T) {
	m, _ := scopedRouter(t)

	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scope", nil))
	generated := w.Header().Get(requestIDHeader)
	require.NotEmpty(t, generated)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, generated, got["id"])

	req := httptest.NewRequest(http.MethodGet, "/scope", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w = httptest.NewRecorder()
	m.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func TestScopedRecoversPanics(t *testing.T) {
	m, _ := scopedRouter(t)
	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	var body models.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
}

func TestAuthenticateRecordsCaller(t *testing.T) {
	m, v := scopedRouter(t)

	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := v.Issue(auth.Identity{ParticipantID: "u1", Role: models.RoleRider}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	m.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var id auth.Identity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.Equal(t, "u1", id.ParticipantID)
	assert.Equal(t, models.RoleRider, id.Role)
}

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", remoteIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", remoteIP(req))
}
