package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	handler http.Handler
	hub     *events.Hub
	clock   *manualClock
}

func newTestServer(t *testing.T, logger *zap.Logger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &manualClock{now: time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	require.NoError(t, err)
	directory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	require.NoError(t, err)
	store, err := content.NewStore(content.StoreConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)

	hub := events.NewHub()
	service, err := collab.NewService(collab.ServiceConfig{
		Database:       db,
		Content:        store,
		Notifier:       events.NewNotifier(hub, nil, logger),
		Directory:      directory,
		Clock:          clock.Now,
		Logger:         logger,
		IdleThreshold:  15 * time.Minute,
		AutosaveWindow: time.Hour,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Principals:       directory,
		Collab:           service,
		Hub:              hub,
		Logger:           logger,
		StreamHeartbeat:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	return &testServer{handler: handler, hub: hub, clock: clock}
}

func signToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return signed
}

var displayNames = map[string]string{
	"alice": "Alice Liddell",
	"bob":   "Bob Dylan",
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		request.Header.Set("Authorization", "Bearer "+signToken(t, user, displayNames[user]))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &value), recorder.Body.String())
	return value
}

func (s *testServer) openSession(t *testing.T, user string) sessionResponse {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/sessions", user, nil)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	return decodeBody[openSessionResponse](t, recorder).Session
}

func (s *testServer) joinSession(t *testing.T, user string, room sessionResponse) sessionResponse {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/sessions/join", user, map[string]any{
		"document_id": room.DocumentID,
		"room_id":     room.RoomID,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	return decodeBody[struct {
		Session sessionResponse `json:"session"`
	}](t, recorder).Session
}

func (s *testServer) addUnit(t *testing.T, user, roomID string, kind content.UnitKind, unitID, parentID string) {
	t.Helper()
	recorder := s.do(t, http.MethodPut, "/rooms/"+roomID+"/units/"+string(kind)+"/"+unitID, user, map[string]any{
		"action":    "ADD",
		"parent_id": parentID,
		"payload":   map[string]string{"html": "<p>" + unitID + "</p>"},
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
}
