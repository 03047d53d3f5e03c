package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fleetglass/fleetglass/control_plane/auth"
)

type contextKey string

// Context keys for claims injected by the auth middleware.
const (
	SubjectContextKey contextKey = "subject"
	RoleContextKey    contextKey = "role"
	ClaimsContextKey  contextKey = "claims"
)

// Auth enforces bearer-token authentication and injects the validated
// claims into the request context.
func Auth(tokens *auth.TokenService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.Validate(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectContextKey, claims.Subject)
		ctx = context.WithValue(ctx, RoleContextKey, claims.Role)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole wraps a handler and rejects requests whose role is not in
// the allowed set.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := GetRole(r.Context())
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, ok := allowed[role]; !ok {
			http.Error(w, "Forbidden: insufficient role", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetSubject retrieves the authenticated subject from the context.
func GetSubject(ctx context.Context) (string, error) {
	val, ok := ctx.Value(SubjectContextKey).(string)
	if !ok {
		return "", fmt.Errorf("subject not found in context")
	}
	return val, nil
}

// GetRole retrieves the authenticated role from the context.
func GetRole(ctx context.Context) (string, error) {
	val, ok := ctx.Value(RoleContextKey).(string)
	if !ok {
		return "", fmt.Errorf("role not found in context")
	}
	return val, nil
}
