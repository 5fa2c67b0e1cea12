package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/angelmondragon/crumb-backend/api/responses"
	pkgAuth "github.com/angelmondragon/crumb-backend/pkg/auth"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

type tokenVerifier interface {
	Verify(token string) (*pkgAuth.AdminClaims, error)
}

// AdminAuth admits requests carrying a valid staff token with the admin role
// and records the admin as the request's actor.
func AdminAuth(verifier tokenVerifier, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, pkgAuth.ErrTokenExpired) {
					msg = "token expired"
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg))
				return
			}
			if !claims.IsAdmin() {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required"))
				return
			}

			ctx := WithActor(r.Context(), enums.ActorAdmin, claims.Subject)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"actor":    string(enums.ActorAdmin),
					"actor_id": claims.Subject,
				})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(raw, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
