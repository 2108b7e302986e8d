package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/session"
)

var wsTracer = otel.Tracer("conversation-websocket")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// ConversationSocket serves the interactive conversation channel: the
// client sends one user message per frame, the server answers with the
// turn result and closes the socket once the session goes terminal.
type ConversationSocket struct {
	sessions *session.Manager
	tracer   trace.Tracer
}

// NewConversationSocket creates the websocket conversation endpoint
func NewConversationSocket(sessions *session.Manager) *ConversationSocket {
	return &ConversationSocket{
		sessions: sessions,
		tracer:   wsTracer,
	}
}

// inboundFrame is one client message
type inboundFrame struct {
	Message string `json:"message"`
}

// outboundFrame wraps a turn result or an error for the client
type outboundFrame struct {
	Result *models.TurnResult    `json:"result,omitempty"`
	Error  *models.ErrorResponse `json:"error,omitempty"`
}

// Stream handles GET /sessions/:id/ws
// @Summary Stream an intake conversation
// @Description WebSocket endpoint carrying the conversation turn by turn
// @Tags sessions
// @Param id path string true "Session ID"
// @Param Authorization header string true "Bearer token"
// @Success 101 "Switching Protocols"
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/ws [get]
func (s *ConversationSocket) Stream(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "websocket.stream_conversation")
	defer span.End()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}
	span.SetAttributes(attribute.String("session.id", id.String()))

	if _, err := s.sessions.Get(id); err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Session not found", Code: models.ErrCodeNotFound})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"event":"ws_upgrade_failed","session_id":"%s","error":"%v"}`, id, err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	log.Printf(`{"event":"ws_connected","session_id":"%s"}`, id)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf(`{"event":"ws_read_error","session_id":"%s","error":"%v"}`, id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		result, err := s.sessions.Converse(ctx, id, frame.Message)
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err != nil {
			code := errorCode(err)
			message := err.Error()
			if code == models.ErrCodeModelUnavailable {
				message = conversation.UnavailableMessage()
			}
			if writeErr := conn.WriteJSON(outboundFrame{Error: &models.ErrorResponse{Error: message, Code: code}}); writeErr != nil {
				return
			}
			// Retryable errors keep the socket open; terminal ones end it.
			if code == models.ErrCodeTurnInFlight || code == models.ErrCodeModelUnavailable {
				continue
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, code))
			return
		}

		if writeErr := conn.WriteJSON(outboundFrame{Result: &result}); writeErr != nil {
			log.Printf(`{"event":"ws_write_error","session_id":"%s","error":"%v"}`, id, writeErr)
			return
		}

		if result.Complete {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"))
			log.Printf(`{"event":"ws_closed_terminal","session_id":"%s","turns":%d}`, id, result.Turn)
			return
		}
	}
}

// errorCode maps domain errors to wire codes; mirrors respondError
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return models.ErrCodeNotFound
	case errors.Is(err, session.ErrTurnInFlight):
		return models.ErrCodeTurnInFlight
	case errors.Is(err, session.ErrPaymentRequired):
		return models.ErrCodePaymentRequired
	case errors.Is(err, conversation.ErrSessionTerminal):
		return models.ErrCodeSessionTerminal
	case errors.Is(err, conversation.ErrProtocolViolation):
		return models.ErrCodeProtocolViolation
	case errors.Is(err, llm.ErrUnavailable):
		return models.ErrCodeModelUnavailable
	default:
		return models.ErrCodeInternalError
	}
}
