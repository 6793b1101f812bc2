package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	userIDKey   contextKey = "userID"
	userNameKey contextKey = "userName"
)

// Identity headers set by the fronting auth proxy.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

// RequireUser rejects requests without a local user id and stores the
// identity in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			jsonError(w, http.StatusUnauthorized, "missing "+HeaderUserID+" header")
			return
		}
		ctx := WithUser(r.Context(), userID, strings.TrimSpace(r.Header.Get(HeaderUserName)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUser attaches the local identity to ctx.
func WithUser(ctx context.Context, userID, userName string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, userNameKey, userName)
}

// UserID returns the authenticated user id, or "" outside RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// UserName returns the display name sent alongside the user id.
func UserName(ctx context.Context) string {
	name, _ := ctx.Value(userNameKey).(string)
	return name
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
