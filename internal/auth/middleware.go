// internal/auth/middleware.go
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const SubjectKey contextKey = "subject"

// JWTAuthMiddleware admits requests carrying a valid admin bearer token and
// stores the operator's subject on the request context.
func JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			deny(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		claims, err := ValidateToken(tokenStr)
		if err != nil {
			deny(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if claims.Role != RoleAdmin {
			deny(w, http.StatusForbidden, "forbidden")
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": msg})
}

// GetSubject returns the authenticated operator, or "" outside the middleware.
func GetSubject(r *http.Request) string {
	subject, _ := r.Context().Value(SubjectKey).(string)
	return subject
}
