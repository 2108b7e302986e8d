package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/intake-engine/internal/anomaly"
	"github.com/bizmatters/agent-builder/intake-engine/internal/auth"
	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/dispatch"
	"github.com/bizmatters/agent-builder/intake-engine/internal/gateway"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/session"
	"github.com/bizmatters/agent-builder/intake-engine/internal/store"
	"github.com/bizmatters/agent-builder/intake-engine/tests/helpers"
)

// scriptedGateway is an httptest stand-in for the model gateway service.
// Replies are served in order; an exhausted script answers with a plain
// acknowledgement so extra turns do not fail the transport.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []string
	server  *httptest.Server
}

func newScriptedGateway(replies ...string) *scriptedGateway {
	g := &scriptedGateway{replies: replies}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/complete", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		reply := "Understood."
		if len(g.replies) > 0 {
			reply = g.replies[0]
			g.replies = g.replies[1:]
		}
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": reply})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	g.server = httptest.NewServer(mux)
	return g
}

// downstreamRecorder captures decisions delivered to the build pipeline and
// review queue endpoints.
type downstreamRecorder struct {
	mu      sync.Mutex
	builds  []models.RoutingDecision
	reviews []models.RoutingDecision
	server  *httptest.Server
}

func newDownstreamRecorder() *downstreamRecorder {
	d := &downstreamRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, r *http.Request) {
		var decision models.RoutingDecision
		json.NewDecoder(r.Body).Decode(&decision)
		d.mu.Lock()
		d.builds = append(d.builds, decision)
		d.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/review-items", func(w http.ResponseWriter, r *http.Request) {
		var decision models.RoutingDecision
		json.NewDecoder(r.Body).Decode(&decision)
		d.mu.Lock()
		d.reviews = append(d.reviews, decision)
		d.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	d.server = httptest.NewServer(mux)
	return d
}

func (d *downstreamRecorder) buildCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.builds)
}

// newIntakeRouter wires the full production route layout over the given
// collaborators.
func newIntakeRouter(handler *gateway.Handler, jwtManager *auth.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	api := router.Group("/api/v1")
	api.POST("/sessions", handler.CreateSession)

	scoped := api.Group("/sessions")
	scoped.Use(auth.RequireAuth(jwtManager), auth.RequireSession())
	scoped.POST("/:id/messages", handler.PostMessage)
	scoped.GET("/:id", handler.GetSession)
	scoped.DELETE("/:id", handler.CancelSession)
	scoped.GET("/:id/export", handler.ExportSession)

	operator := api.Group("")
	operator.Use(auth.RequireAuth(jwtManager), auth.RequireRole("operator"))
	operator.POST("/sessions/import", handler.ImportSession)
	operator.POST("/sessions/:id/payment-events", handler.RecordPaymentEvent)
	operator.GET("/sessions/:id/decision", handler.GetDecision)
	operator.GET("/identities/:identity", handler.GetIdentityHistory)

	return router
}

func TestIntakeFlowIntegration(t *testing.T) {
	t.Setenv("JWT_SECRET", "integration-test-secret")

	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	doc := helpers.CompletedRequirements()
	signals := helpers.CooperativeSignals()

	modelGateway := newScriptedGateway(
		"Hi! I'm here to help you scope your agent. What should it do?",
		helpers.ProgressMarkerReply(
			"Got it. A support assistant for the bike shop, drafting replies your team approves.",
			doc, signals, false,
		),
		helpers.TerminalReply(doc, signals, models.TierStandard),
	)
	defer modelGateway.server.Close()

	downstream := newDownstreamRecorder()
	defer downstream.server.Close()

	modelClient := llm.NewClient()
	modelClient.SetBaseURL(modelGateway.server.URL)

	dispatcher := dispatch.NewDispatcher()
	dispatcher.SetBaseURLs(downstream.server.URL, downstream.server.URL)

	machine := conversation.NewMachine(modelClient)
	monitor := anomaly.NewMonitor()
	archive := store.NewArchive(testDB.Pool)
	sessions := session.NewManager(machine, monitor, archive, dispatcher, nil)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	handler := gateway.NewHandler(sessions, jwtManager, testDB.Pool, modelClient)
	router := newIntakeRouter(handler, jwtManager)

	// Open the session from a pre-screening form submission
	createBody, _ := json.Marshal(helpers.CreateSessionRequest("Robin Vos", "robin@acmebikes.example", models.TierStandard))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBuffer(createBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, "create session: %s", w.Body.String())

	var created gateway.CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, string(models.PhaseGreeting), created.Phase)
	assert.Contains(t, created.Greeting, "help you scope")

	defer testDB.DeleteSessionRows(t, created.SessionID)

	postMessage := func(message string) (models.TurnResult, int) {
		body, _ := json.Marshal(helpers.CreateMessageRequest(message))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/messages", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+created.Token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var result models.TurnResult
		if w.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		}
		return result, w.Code
	}

	// First turn carries the whole picture; the marker fills the document
	result, code := postMessage("We run an online bike shop and want an assistant that answers order status questions and handles returns. It should look up orders, stay friendly, never promise delivery dates, and escalate refund disputes to a human. Our four-person support team approves every reply.")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, result.Turn)
	assert.False(t, result.Complete)
	assert.NotContains(t, result.Response, "<!--intake:", "progress marker must be stripped")

	// Confirmation turn; the model emits the terminal payload
	result, code = postMessage("Yes, that covers everything. Let's go ahead.")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, result.Complete)
	require.NotNil(t, result.Payload)
	assert.Equal(t, models.TierStandard, result.Payload.EstimatedComplexity)
	assert.Equal(t, doc.AgentPurpose, result.Payload.Requirements.AgentPurpose)

	// Routing decision is queryable by an operator
	operatorToken, err := jwtManager.GenerateOperatorToken(req.Context(), "operator@example.com", []string{"operator"}, time.Hour)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/decision", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "get decision: %s", w.Body.String())

	var decision models.RoutingDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, models.RouteAutoBuild, decision.Outcome)
	assert.Equal(t, models.TierStandard, decision.AssignedTier)

	deposit := models.DepositCents(models.TierStandard)
	assert.Equal(t, deposit, decision.Ledger.AmountCollected)
	assert.Equal(t, int64(0), decision.Ledger.AmountRefunded)
	assert.Equal(t, models.TierPriceCents[models.TierStandard]-deposit, decision.Ledger.AmountStillDue)

	// The decision was delivered to the build pipeline
	assert.Equal(t, 1, downstream.buildCount())

	// And archived alongside the session
	assert.Equal(t, string(models.SessionCompleted), testDB.ArchivedSessionState(t, created.SessionID))
	assert.Equal(t, string(models.RouteAutoBuild), testDB.DecisionOutcome(t, created.SessionID))

	// The identity's archive history is visible to operators
	req = httptest.NewRequest(http.MethodGet, "/api/v1/identities/robin@acmebikes.example", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "get identity history: %s", w.Body.String())

	var history store.IdentityHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Equal(t, "robin@acmebikes.example", history.Identity)
	assert.GreaterOrEqual(t, history.SessionCount, 1)

	// The customer can still export their own session
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/export", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var snapshot models.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, created.SessionID, snapshot.Session.ID.String())
	assert.Len(t, snapshot.Session.Turns, 2)
}

func TestOperatorLoginIntegration(t *testing.T) {
	t.Setenv("JWT_SECRET", "integration-test-secret")

	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	email := "login-" + time.Now().UTC().Format("150405.000000000") + "@example.com"
	operatorID := testDB.CreateTestOperator(t, email, helpers.DefaultTestOperator.Password, helpers.DefaultTestOperator.Roles)
	defer testDB.DeleteOperator(t, operatorID)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	handler := gateway.NewHandler(nil, jwtManager, testDB.Pool, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/v1/auth/login", handler.Login)

	t.Run("Valid Credentials", func(t *testing.T) {
		body, _ := json.Marshal(helpers.CreateLoginRequest(email, helpers.DefaultTestOperator.Password))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, "login: %s", w.Body.String())

		var response gateway.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, operatorID, response.OperatorID)

		claims, err := jwtManager.ValidateToken(req.Context(), response.Token)
		require.NoError(t, err)
		assert.Equal(t, email, claims.Identity)
		assert.Contains(t, claims.Roles, "operator")
	})

	t.Run("Wrong Password", func(t *testing.T) {
		body, _ := json.Marshal(helpers.CreateLoginRequest(email, "wrong-password-1"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Unknown Operator", func(t *testing.T) {
		body, _ := json.Marshal(helpers.CreateLoginRequest("nobody@example.com", "some-password-1"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Malformed Request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"not-an-email"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
