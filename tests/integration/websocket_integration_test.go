package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/intake-engine/internal/anomaly"
	"github.com/bizmatters/agent-builder/intake-engine/internal/auth"
	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/gateway"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/session"
	"github.com/bizmatters/agent-builder/intake-engine/tests/helpers"
)

// wsFrame mirrors the conversation socket's outbound frame shape
type wsFrame struct {
	Result *models.TurnResult    `json:"result,omitempty"`
	Error  *models.ErrorResponse `json:"error,omitempty"`
}

func TestConversationWebSocketIntegration(t *testing.T) {
	t.Setenv("JWT_SECRET", "integration-test-secret")

	doc := helpers.CompletedRequirements()
	signals := helpers.CooperativeSignals()

	partial := models.RequirementsDocument{
		AgentPurpose: doc.AgentPurpose,
		Domain:       doc.Domain,
	}

	modelGateway := newScriptedGateway(
		"Hello! Tell me about the agent you need.",
		helpers.ProgressMarkerReply("A support assistant, understood. What tasks should it handle?", partial, models.SafetySignals{}, false),
		helpers.ProgressMarkerReply("That completes the picture. Shall I summarize?", doc, signals, false),
		helpers.TerminalReply(doc, signals, models.TierStandard),
	)
	defer modelGateway.server.Close()

	modelClient := llm.NewClient()
	modelClient.SetBaseURL(modelGateway.server.URL)

	machine := conversation.NewMachine(modelClient)
	monitor := anomaly.NewMonitor()
	sessions := session.NewManager(machine, monitor, nil, nil, nil)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	conversationSocket := gateway.NewConversationSocket(sessions)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	scoped := router.Group("/api/v1/sessions")
	scoped.Use(auth.RequireAuth(jwtManager), auth.RequireSession())
	scoped.GET("/:id/ws", conversationSocket.Stream)

	server := httptest.NewServer(router)
	defer server.Close()

	created, err := sessions.Create(context.Background(), "ws-customer@example.com", models.PrescreenContext{
		Email:           "ws-customer@example.com",
		PreSelectedTier: models.TierStandard,
	})
	require.NoError(t, err)

	token, err := jwtManager.GenerateSessionToken(context.Background(), "ws-customer@example.com", created.Session.ID.String(), time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/sessions/" + created.Session.ID.String() + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	send := func(message string) wsFrame {
		require.NoError(t, conn.WriteJSON(map[string]string{"message": message}))
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	frame := send("We need a support assistant for our bike shop.")
	require.NotNil(t, frame.Result)
	assert.Equal(t, 1, frame.Result.Turn)
	assert.False(t, frame.Result.Complete)
	assert.NotContains(t, frame.Result.Response, "<!--intake:")

	frame = send("It should answer order questions and handle returns, friendly tone, never promise delivery dates, refunds go to a human, four person team.")
	require.NotNil(t, frame.Result)
	assert.Equal(t, 2, frame.Result.Turn)
	assert.False(t, frame.Result.Complete)

	frame = send("Yes, go ahead.")
	require.NotNil(t, frame.Result)
	assert.True(t, frame.Result.Complete)
	require.NotNil(t, frame.Result.Payload)
	assert.Equal(t, models.TierStandard, frame.Result.Payload.EstimatedComplexity)

	// The server closes the stream after the terminal turn
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var extra wsFrame
	err = conn.ReadJSON(&extra)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
		websocket.IsUnexpectedCloseError(err), "expected close frame, got: %v", err)
}

func TestConversationWebSocketUnknownSession(t *testing.T) {
	t.Setenv("JWT_SECRET", "integration-test-secret")

	modelGateway := newScriptedGateway()
	defer modelGateway.server.Close()

	modelClient := llm.NewClient()
	modelClient.SetBaseURL(modelGateway.server.URL)

	machine := conversation.NewMachine(modelClient)
	sessions := session.NewManager(machine, anomaly.NewMonitor(), nil, nil, nil)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	conversationSocket := gateway.NewConversationSocket(sessions)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	scoped := router.Group("/api/v1/sessions")
	scoped.Use(auth.RequireAuth(jwtManager), auth.RequireSession())
	scoped.GET("/:id/ws", conversationSocket.Stream)

	server := httptest.NewServer(router)
	defer server.Close()

	unknown := uuid.New().String()
	token, err := jwtManager.GenerateSessionToken(context.Background(), "ws-customer@example.com", unknown, time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/sessions/" + unknown + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
