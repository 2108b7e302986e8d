package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/intake-engine/internal/anomaly"
	"github.com/bizmatters/agent-builder/intake-engine/internal/auth"
	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/session"
)

// scriptedModel plays back canned replies in order
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	healthy bool
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return "Noted. Tell me more.", nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedModel) IsHealthy(ctx context.Context) bool { return m.healthy }

func newTestHandler(t *testing.T, model llm.Transducer) (*Handler, *gin.Engine) {
	t.Helper()
	t.Setenv("JWT_SECRET", "handler-test-secret")
	gin.SetMode(gin.TestMode)

	machine := conversation.NewMachine(model)
	sessions := session.NewManager(machine, anomaly.NewMonitor(), nil, nil, nil)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	handler := NewHandler(sessions, jwtManager, nil, model)

	router := gin.New()
	api := router.Group("/api/v1")
	api.POST("/sessions", handler.CreateSession)
	api.POST("/sessions/import", handler.ImportSession)
	api.POST("/sessions/:id/messages", handler.PostMessage)
	api.GET("/sessions/:id", handler.GetSession)
	api.DELETE("/sessions/:id", handler.CancelSession)
	api.GET("/sessions/:id/export", handler.ExportSession)
	api.POST("/sessions/:id/payment-events", handler.RecordPaymentEvent)
	api.GET("/sessions/:id/decision", handler.GetDecision)
	router.GET("/health", handler.Health)

	return handler, router
}

func perform(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine, tier string) CreateSessionResponse {
	t.Helper()
	w := perform(router, http.MethodPost, "/api/v1/sessions", map[string]string{
		"name":              "Test Customer",
		"email":             "customer@example.com",
		"pre_selected_tier": tier,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	return created
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Code
}

func TestCreateSessionReturnsTokenAndGreeting(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome! What should your agent do?"}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")
	assert.NotEmpty(t, created.SessionID)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "Welcome! What should your agent do?", created.Greeting)
	assert.Equal(t, string(models.PhaseGreeting), created.Phase)
}

func TestCreateSessionRejectsUnknownTier(t *testing.T) {
	_, router := newTestHandler(t, &scriptedModel{healthy: true})

	w := perform(router, http.MethodPost, "/api/v1/sessions", map[string]string{
		"name":              "Test Customer",
		"email":             "customer@example.com",
		"pre_selected_tier": "platinum",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidRequest, errorCodeOf(t, w))
}

func TestPostMessageUnknownSession(t *testing.T) {
	_, router := newTestHandler(t, &scriptedModel{healthy: true})

	w := perform(router, http.MethodPost, "/api/v1/sessions/"+uuid.New().String()+"/messages",
		map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeNotFound, errorCodeOf(t, w))
}

// unavailableModel greets once, then fails every completion
type unavailableModel struct {
	mu    sync.Mutex
	calls int
}

func (m *unavailableModel) Complete(ctx context.Context, _ llm.CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls == 1 {
		return "Welcome!", nil
	}
	return "", llm.ErrUnavailable
}

func (m *unavailableModel) IsHealthy(ctx context.Context) bool { return false }

func TestPostMessageModelUnavailable(t *testing.T) {
	_, router := newTestHandler(t, &unavailableModel{})

	created := createSession(t, router, "basic")
	w := perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages",
		map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeModelUnavailable, resp.Code)
	// The customer sees the retry text, not a transport error.
	assert.Equal(t, conversation.UnavailableMessage(), resp.Error)
}

func TestPostMessageRunsTurn(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"Welcome!",
		"Understood, a survey bot.\n<!--intake:{\"requirements\":{\"agent_purpose\":\"survey bot\"},\"safety_signals\":{},\"ready_to_confirm\":false}-->",
	}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")

	w := perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages",
		map[string]string{"message": "I need a survey bot."})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.TurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Turn)
	assert.False(t, result.Complete)
	assert.NotContains(t, result.Response, "<!--intake:")
}

func TestPaymentRequiredBeforeConversing(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome!"}, healthy: true}
	_, router := newTestHandler(t, model)

	// No pre-selected tier means no deposit collected yet
	created := createSession(t, router, "")

	w := perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages",
		map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, models.ErrCodePaymentRequired, errorCodeOf(t, w))

	// A payment event unlocks the conversation
	w = perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/payment-events",
		map[string]int64{"amount_cents": models.DepositCents(models.TierBasic)})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages",
		map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPaymentEventRejectsNonPositiveAmount(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome!"}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")

	w := perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/payment-events",
		map[string]int64{"amount_cents": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelThenConverseConflicts(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome!"}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")

	w := perform(router, http.MethodDelete, "/api/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = perform(router, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages",
		map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeSessionTerminal, errorCodeOf(t, w))
}

func TestExportImportRoundTrip(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome!"}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")

	w := perform(router, http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot models.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, created.SessionID, snapshot.Session.ID.String())

	// Importing over a live session collides
	w = perform(router, http.MethodPost, "/api/v1/sessions/import", snapshot)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeAlreadyExists, errorCodeOf(t, w))

	// A fresh engine accepts the snapshot
	_, freshRouter := newTestHandler(t, &scriptedModel{healthy: true})
	w = perform(freshRouter, http.MethodPost, "/api/v1/sessions/import", snapshot)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var restored models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, created.SessionID, restored.ID.String())
}

func TestGetDecisionBeforeFinalize(t *testing.T) {
	model := &scriptedModel{replies: []string{"Welcome!"}, healthy: true}
	_, router := newTestHandler(t, model)

	created := createSession(t, router, "basic")

	w := perform(router, http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/decision", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidSessionIDRejected(t *testing.T) {
	_, router := newTestHandler(t, &scriptedModel{healthy: true})

	w := perform(router, http.MethodGet, "/api/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidRequest, errorCodeOf(t, w))
}

func TestHealthReflectsModelState(t *testing.T) {
	_, router := newTestHandler(t, &scriptedModel{healthy: true})

	w := perform(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, degradedRouter := newTestHandler(t, &scriptedModel{healthy: false})
	w = perform(degradedRouter, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
