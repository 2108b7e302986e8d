package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/intake-engine/internal/anomaly"
	"github.com/bizmatters/agent-builder/intake-engine/internal/auth"
	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/session"
)

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	sessions   *session.Manager
	jwtManager *auth.JWTManager
	pool       *pgxpool.Pool
	model      llm.Transducer
}

// NewHandler creates a new gateway handler
func NewHandler(sessions *session.Manager, jwtManager *auth.JWTManager, pool *pgxpool.Pool, model llm.Transducer) *Handler {
	return &Handler{
		sessions:   sessions,
		jwtManager: jwtManager,
		pool:       pool,
		model:      model,
	}
}

// respondError maps domain errors onto the API error taxonomy
func respondError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, session.ErrNotFound):
		status, code = http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, session.ErrTurnInFlight):
		status, code = http.StatusConflict, models.ErrCodeTurnInFlight
	case errors.Is(err, session.ErrAlreadyExists):
		status, code = http.StatusConflict, models.ErrCodeAlreadyExists
	case errors.Is(err, session.ErrPaymentRequired):
		status, code = http.StatusPaymentRequired, models.ErrCodePaymentRequired
	case errors.Is(err, conversation.ErrSessionTerminal):
		status, code = http.StatusConflict, models.ErrCodeSessionTerminal
	case errors.Is(err, conversation.ErrProtocolViolation):
		status, code = http.StatusBadGateway, models.ErrCodeProtocolViolation
	case errors.Is(err, anomaly.ErrRateLimited):
		status, code = http.StatusTooManyRequests, models.ErrCodeRateLimited
	case errors.Is(err, llm.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, models.ErrCodeModelUnavailable
	default:
		status, code = http.StatusInternalServerError, models.ErrCodeInternalError
	}

	message := err.Error()
	if code == models.ErrCodeModelUnavailable {
		message = conversation.UnavailableMessage()
	}
	c.JSON(status, models.ErrorResponse{Error: message, Code: code})
}

// LoginRequest represents an operator login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents an operator login response
type LoginResponse struct {
	Token      string `json:"token"`
	OperatorID string `json:"operator_id"`
}

// Login godoc
// @Summary Operator login
// @Description Authenticate an operator and return a JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	var operatorID string
	var hashedPassword string
	var roles []string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password, roles FROM operators WHERE email = $1`,
		req.Email,
	).Scan(&operatorID, &hashedPassword, &roles)
	if err != nil {
		log.Printf(`{"level":"warn","message":"Operator not found","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		log.Printf(`{"level":"warn","message":"Invalid password","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	token, err := h.jwtManager.GenerateOperatorToken(c.Request.Context(), req.Email, roles, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to generate token", Code: models.ErrCodeInternalError})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, OperatorID: operatorID})
}

// CreateSessionRequest carries the pre-screening form output
type CreateSessionRequest struct {
	Name             string `json:"name" binding:"required"`
	Email            string `json:"email" binding:"required,email"`
	Company          string `json:"company"`
	Category         string `json:"category"`
	BriefDescription string `json:"brief_description"`
	EstimatedUsers   string `json:"estimated_users"`
	PreSelectedTier  string `json:"pre_selected_tier"`
}

// CreateSessionResponse returns the new session, its greeting, and a
// token scoped to it
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
	Token     string `json:"token"`
	Phase     string `json:"phase"`
}

// CreateSession godoc
// @Summary Create intake session
// @Description Open a new intake session from a pre-screening form submission
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest true "Pre-screening form"
// @Success 201 {object} CreateSessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	tier := models.Tier(req.PreSelectedTier)
	if req.PreSelectedTier != "" && !tier.Valid() {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Unknown tier", Code: models.ErrCodeInvalidRequest})
		return
	}

	created, err := h.sessions.Create(c.Request.Context(), req.Email, models.PrescreenContext{
		Name:             req.Name,
		Email:            req.Email,
		Company:          req.Company,
		Category:         req.Category,
		BriefDescription: req.BriefDescription,
		EstimatedUsers:   req.EstimatedUsers,
		PreSelectedTier:  tier,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	token, err := h.jwtManager.GenerateSessionToken(c.Request.Context(), req.Email, created.Session.ID.String(), 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to generate token", Code: models.ErrCodeInternalError})
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: created.Session.ID.String(),
		Greeting:  created.Greeting,
		Token:     token,
		Phase:     string(created.Session.Phase),
	})
}

// MessageRequest is one user turn
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// PostMessage godoc
// @Summary Send a conversation turn
// @Description Run one user message through the intake conversation
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body MessageRequest true "User message"
// @Success 200 {object} models.TurnResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 402 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/messages [post]
func (h *Handler) PostMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	result, err := h.sessions.Converse(c.Request.Context(), id, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSession godoc
// @Summary Get session state
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.Session
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	sess, err := h.sessions.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CancelSession godoc
// @Summary Abandon a session
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [delete]
func (h *Handler) CancelSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	if err := h.sessions.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportSession godoc
// @Summary Export a session snapshot
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.SessionSnapshot
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/export [get]
func (h *Handler) ExportSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	snapshot, err := h.sessions.Export(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ImportSession godoc
// @Summary Import a session snapshot
// @Description Restore a previously exported session; operator only
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body models.SessionSnapshot true "Session snapshot"
// @Success 201 {object} models.Session
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/import [post]
func (h *Handler) ImportSession(c *gin.Context) {
	var snapshot models.SessionSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid snapshot", Code: models.ErrCodeInvalidRequest})
		return
	}

	restored, err := h.sessions.Import(&snapshot)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, restored)
}

// PaymentEventRequest records a confirmed deposit from the payment provider
type PaymentEventRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required,gt=0"`
}

// RecordPaymentEvent godoc
// @Summary Record a deposit payment event
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body PaymentEventRequest true "Payment event"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/payment-events [post]
func (h *Handler) RecordPaymentEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	var req PaymentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	if err := h.sessions.RecordPayment(id, req.AmountCents); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDecision godoc
// @Summary Get the routing decision for a finalized session
// @Tags decisions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.RoutingDecision
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/decision [get]
func (h *Handler) GetDecision(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID", Code: models.ErrCodeInvalidRequest})
		return
	}

	decision, err := h.sessions.Decision(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// GetIdentityHistory godoc
// @Summary Get the archived session history for an identity
// @Description Archive counts for one identity, for investigating anomaly holds
// @Tags identities
// @Produce json
// @Param identity path string true "Customer identity"
// @Success 200 {object} store.IdentityHistory
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /identities/{identity} [get]
func (h *Handler) GetIdentityHistory(c *gin.Context) {
	identity := c.Param("identity")
	if identity == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid identity", Code: models.ErrCodeInvalidRequest})
		return
	}

	history, err := h.sessions.IdentityHistory(c.Request.Context(), identity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// Health godoc
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	modelHealthy := h.model != nil && h.model.IsHealthy(c.Request.Context())
	dbHealthy := true
	if h.pool != nil {
		dbHealthy = h.pool.Ping(c.Request.Context()) == nil
	}

	status := http.StatusOK
	if !modelHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":        map[bool]string{true: "ok", false: "degraded"}[modelHealthy && dbHealthy],
		"model_gateway": modelHealthy,
		"database":      dbHealthy,
		"live_sessions": h.sessions.Count(),
	})
}
