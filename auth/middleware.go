package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware provides HTTP middleware for bearer-token validation.
type Middleware struct {
	manager *Manager
}

func NewMiddleware(manager *Manager) Middleware {
	return Middleware{manager: manager}
}

// Wrap rejects requests without a valid bearer token and stores the claims
// on the request context.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.parseRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fittrack"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WrapFunc is Wrap for handler functions.
func (m Middleware) WrapFunc(next http.HandlerFunc) http.Handler {
	return m.Wrap(next)
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	token, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	return m.manager.Parse(token)
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(header[len("Bearer "):]), nil
}
