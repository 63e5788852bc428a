package profile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"user_service/internal/http_server/middleware/authn"
	resp "user_service/internal/lib/api/response"
	sl "user_service/internal/lib/logger"
	"user_service/internal/models"
	"user_service/internal/users"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
)

type Response struct {
	resp.Response
	User models.PublicUser `json:"user"`
}

// New returns the profile of the authenticated user. The user may have been
// deleted after the access token was issued; that is a 404, not a token error.
func New(
	log *slog.Logger,
	usersService *users.Users,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.profile.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		claims, ok := authn.Claims(r.Context())
		if !ok {
			log.Error("no access claims in request context")

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("internal error"))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		user, err := usersService.User(ctx, claims.UserID)
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, resp.Error("user not found"))

				return
			}

			log.Error("failed to load user", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("internal error"))

			return
		}

		render.JSON(w, r, Response{
			Response: resp.OK(),
			User:     user.Public(),
		})
	}
}
