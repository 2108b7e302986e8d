package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeSessionTerminal      = "SESSION_TERMINAL"
	ErrCodeTurnInFlight         = "TURN_IN_FLIGHT"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeModelUnavailable     = "MODEL_UNAVAILABLE"
	ErrCodeProtocolViolation    = "PROTOCOL_VIOLATION"
	ErrCodeValidationIncomplete = "VALIDATION_INCOMPLETE"
	ErrCodePaymentRequired      = "PAYMENT_REQUIRED"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
)
