package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"audioingest/apperr"
	"audioingest/core/auth"
	"audioingest/logger"
	"audioingest/model"
	"audioingest/repository"
)

type contextKey string

const userContextKey contextKey = "user"

// AuthMiddleware resolves the bearer token into the current user.
func AuthMiddleware(secret string, users repository.UserRepository) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "Authorization header is required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeJSONError(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}

			claims, err := auth.ParseToken(secret, strings.TrimSpace(parts[1]))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			user, err := users.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					writeJSONError(w, http.StatusUnauthorized, "Unknown user")
					return
				}
				logger.Error("Failed to load user for token", logger.Int64("userId", claims.UserID), logger.ErrorField(err))
				writeError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		}
	}
}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *model.User {
	user, _ := ctx.Value(userContextKey).(*model.User)
	return user
}
