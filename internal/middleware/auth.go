// Package middleware provides HTTP middleware for the service layer
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicbounty/service_layer/internal/errors"
	internalhttputil "github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/logging"
)

// SessionHeader carries the session token when Authorization holds an L402 token.
const SessionHeader = "X-Session-Token"

// Role values placed in the request context.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims represents session JWT claims. Tokens issued by the auth provider carry the user
// in "sub"; "user_id" is accepted for tokens minted by this service.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user the token was issued for.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// AuthMiddleware validates HS256 session tokens. Requests without a session pass through
// as anonymous; anonymous posting and fixing are paid for with L402 instead.
type AuthMiddleware struct {
	secret []byte
	admins map[string]struct{}
	logger *logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware. Only users listed in admins
// get the admin role; a role claim in the token is never trusted for that.
func NewAuthMiddleware(secret []byte, admins map[string]struct{}, logger *logging.Logger) *AuthMiddleware {
	if admins == nil {
		admins = make(map[string]struct{})
	}
	return &AuthMiddleware{
		secret: secret,
		admins: admins,
		logger: logger,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, present, err := sessionToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		if !present {
			next.ServeHTTP(w, r)
			return
		}
		if len(m.secret) == 0 {
			m.respondError(w, r, errors.Unauthenticated("Session tokens are not accepted"))
			return
		}

		claims, err := m.validateToken(tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		userID := claims.User()
		role := RoleUser
		if _, ok := m.admins[userID]; ok {
			role = RoleAdmin
		}
		ctx := logging.WithUser(r.Context(), userID, role)

		m.logger.WithContext(ctx).WithField("user_id", userID).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionToken finds the bearer token. present is false for anonymous and L402-only requests.
func sessionToken(r *http.Request) (token string, present bool, err error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || l402.HasToken(authHeader) {
		authHeader = r.Header.Get(SessionHeader)
		if authHeader == "" {
			return "", false, nil
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			authHeader = "Bearer " + authHeader
		}
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", true, errors.Unauthenticated("Invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), true, nil
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.User() == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireUserID middleware ensures user ID is present in context
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if userID == "" {
			internalhttputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
