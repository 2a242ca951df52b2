package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedCallerContextKey = ContextKey("authenticatedCaller")
)

// AuthenticatedCaller identifies the collaborator service behind a request.
// Tokens are issued out of band; this service only verifies them.
type AuthenticatedCaller struct {
	Subject string
	Service string
}

type callerClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// CallerFromContext extracts the authenticated caller set by JWTAuthMiddleware.
func CallerFromContext(ctx context.Context) (AuthenticatedCaller, bool) {
	caller, ok := ctx.Value(AuthenticatedCallerContextKey).(AuthenticatedCaller)
	return caller, ok
}

// JWTAuthMiddleware authenticates collaborator requests with an HS256 bearer
// token.
func JWTAuthMiddleware(jwtSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &callerClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			caller := AuthenticatedCaller{
				Subject: claims.Subject,
				Service: claims.Service,
			}
			ctx := context.WithValue(r.Context(), AuthenticatedCallerContextKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
