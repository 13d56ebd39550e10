// Package auth carries the authenticated user identity through request
// contexts. Credentials are resolved by the identity collaborator; this
// service never sees passwords or issues tokens.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// UserContext is the resolved identity attached to every request.
type UserContext struct {
	UserID      string
	DisplayName string
	Role        string
}

// Authenticator resolves a bearer credential into a user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*UserContext, error)
}

type contextKey struct{}

// WithUser returns a context carrying the given identity.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(contextKey{}).(*UserContext)
	return user, ok
}

// Middleware authenticates every request via the Authorization header and
// stores the identity in the request context. Requests without a valid
// identity are rejected with 401.
func Middleware(authn Authenticator, log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			user, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Msg("Authentication failed")
				unauthorized(w, "invalid credentials")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(apperrors.ErrCodeUnauthenticated))
	_, _ = w.Write([]byte(`{"detail":"UNAUTHENTICATED","message":"` + msg + `"}`))
}
