package authn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"user_service/internal/lib/api/response"
	"user_service/internal/lib/jwt"
	sl "user_service/internal/lib/logger"

	"github.com/go-chi/render"
)

type TokenVerifier interface {
	VerifyAccess(token string) (*jwt.AccessClaims, error)
}

type claimsKey struct{}

// New returns a middleware that requires a valid Bearer access token.
// A missing token is 401, a present but unverifiable token is 403.
func New(log *slog.Logger, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			const op = "middleware.authn.New"

			log := log.With(slog.String("op", op))

			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("access denied, no token provided"))

				return
			}

			claims, err := verifier.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				log.Warn("invalid access token", sl.Err(err))

				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("invalid token"))

				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), claimsKey{}, claims),
			))
		}

		return http.HandlerFunc(fn)
	}
}

// Claims returns the access claims attached by the middleware.
func Claims(ctx context.Context) (*jwt.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*jwt.AccessClaims)
	return claims, ok
}
