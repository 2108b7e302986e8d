package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// Gin context keys set by the middleware
const (
	IdentityKey  = "identity"
	SessionIDKey = "session_id"
	RolesKey     = "roles"
	ClaimsKey    = "claims"
)

// RequireAuth is a Gin middleware that validates JWT tokens and attaches
// the claims to the request context.
func RequireAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid authorization header"})
			c.Abort()
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Printf(`{"level":"warn","message":"Invalid token","error":"%v"}`, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("auth.identity", claims.Identity),
		)

		c.Set(IdentityKey, claims.Identity)
		c.Set(SessionIDKey, claims.SessionID)
		c.Set(RolesKey, claims.Roles)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireSession is a Gin middleware that restricts a customer token to
// the session named in the :id path parameter. Operator tokens (any role)
// pass regardless of session scope. Must run after RequireAuth.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_session")
		defer span.End()

		claimsValue, exists := c.Get(ClaimsKey)
		if !exists {
			c.JSON(http.StatusForbidden, gin.H{"error": "Claims not found"})
			c.Abort()
			return
		}
		claims, ok := claimsValue.(*Claims)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid claims"})
			c.Abort()
			return
		}

		if len(claims.Roles) > 0 {
			span.SetAttributes(attribute.Bool("auth.operator", true))
			c.Next()
			return
		}

		if claims.SessionID == "" || claims.SessionID != c.Param("id") {
			span.SetAttributes(attribute.Bool("auth.session_scope_ok", false))
			log.Printf(`{"level":"warn","message":"Session scope mismatch","identity":"%s","requested":"%s"}`,
				claims.Identity, c.Param("id"))
			c.JSON(http.StatusForbidden, gin.H{"error": "Token is not scoped to this session"})
			c.Abort()
			return
		}

		span.SetAttributes(attribute.Bool("auth.session_scope_ok", true))
		c.Next()
	}
}

// RequireRole is a Gin middleware that checks if the authenticated
// principal has the required role. Must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role")
		defer span.End()
		span.SetAttributes(attribute.String("required.role", role))

		rolesValue, exists := c.Get(RolesKey)
		if !exists {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.JSON(http.StatusForbidden, gin.H{"error": "Roles not found"})
			c.Abort()
			return
		}
		roles, ok := rolesValue.([]string)
		if !ok {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid roles"})
			c.Abort()
			return
		}

		for _, r := range roles {
			if r == role {
				span.SetAttributes(attribute.Bool("auth.role_authorized", true))
				c.Next()
				return
			}
		}

		identity, _ := c.Get(IdentityKey)
		span.SetAttributes(attribute.Bool("auth.role_authorized", false))
		log.Printf(`{"level":"warn","message":"Insufficient permissions","identity":"%v","required_role":"%s"}`,
			identity, role)
		c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
		c.Abort()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
