package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"confmesh/internal/store"
	"confmesh/internal/types"
)

// API key scopes. A key carries any subset; admin does not imply the
// others.
const (
	ScopeAdmin          = "admin"
	ScopeConfigRead     = "config:read"
	ScopeConfigWrite    = "config:write"
	ScopeProposalReview = "proposal:review"
)

// KeyAuthenticator resolves a bearer token to an API key.
type KeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, token string) (*store.APIKey, error)
}

type contextKey int

const apiKeyContextKey contextKey = iota

// keyFromContext returns the authenticated key placed by the middleware.
func keyFromContext(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*store.APIKey)
	return key
}

// authenticate resolves the Authorization bearer token and stores the key
// on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, types.ErrUnauthorized)
			return
		}
		key, err := s.admin.AuthenticateAPIKey(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	})
}

// requireScope gates a route group on one key scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromContext(r.Context())
			if key == nil || !key.HasScope(scope) {
				s.writeError(w, r, types.Forbiddenf("key lacks the %s scope", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkProject enforces the key's project restriction.
func (s *Server) checkProject(r *http.Request, projectID uuid.UUID) error {
	key := keyFromContext(r.Context())
	if key == nil || !key.AllowsProject(projectID) {
		return types.Forbiddenf("key is not allowed to act on this project")
	}
	return nil
}
