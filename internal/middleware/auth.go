package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextKey string

const principalKey contextKey = "principal"

// TokenVerifier resolves a bearer token to a user id
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// AuthMiddleware rejects requests without a valid bearer token with 403 and
// stores the resolved principal in the request context.
func AuthMiddleware(verifier TokenVerifier, log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				forbid(w)
				return
			}
			userID, err := verifier.Verify(token)
			if err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Debug("Rejected bearer token")
				forbid(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), userID)))
		})
	}
}

// WithPrincipal returns a context carrying userID
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey, userID)
}

// PrincipalFrom returns the authenticated user id stored by AuthMiddleware
func PrincipalFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(principalKey).(string)
	return userID, ok && userID != ""
}

func forbid(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("{}"))
}
