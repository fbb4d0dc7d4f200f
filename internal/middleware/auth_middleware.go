package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/qcom/otpbroker/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the verification claims set by RequireVerification.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*service.Claims)
	return claims, ok
}

type AuthMiddleware struct {
	tokens *service.TokenService
	logger *logrus.Logger
}

func NewAuthMiddleware(tokens *service.TokenService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

// RequireVerification admits requests carrying a valid verification token as
// "Authorization: Bearer <token>".
func (m *AuthMiddleware) RequireVerification(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondUnauthorized(w, "Missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondUnauthorized(w, "Invalid authorization header format")
			return
		}

		// Verify token
		claims, err := m.tokens.Verify(parts[1])
		if err != nil {
			m.logger.WithError(err).Debug("Verification token rejected")
			m.respondUnauthorized(w, "Invalid or expired token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"UNAUTHORIZED","message":"` + message + `"}`))
}
