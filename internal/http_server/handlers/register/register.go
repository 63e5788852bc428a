package register

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"user_service/internal/auth"
	resp "user_service/internal/lib/api/response"
	sl "user_service/internal/lib/logger"
	"user_service/internal/models"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"userName" validate:"required,min=3,max=30"`
	Password string `json:"password" validate:"required,min=6,max=100"`
}

type Response struct {
	resp.Response
	User models.PublicUser `json:"user"`
}

type Publisher interface {
	SendMessage(ctx context.Context, msg models.Message) error
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	authService *auth.Auth,
	publisher Publisher,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.register.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		var req Request

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			log.Error("failed to decode request body", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("failed to decode request"))

			return
		}

		if err := validate.Struct(req); err != nil {
			var validateErr validator.ValidationErrors
			errors.As(err, &validateErr)

			log.Warn("invalid request", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.ValidationError(validateErr))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		user, err := authService.RegisterNewUser(ctx, req.Name, req.Email, req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrUserExists) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, resp.Error("username or email already exists"))

				return
			}

			log.Error("failed to register user", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("internal error"))

			return
		}

		log.Info("user registered", slog.Int64("uid", user.ID))

		msg := models.Message{
			Email:    user.Email,
			Username: user.Username,
			Purpose:  "welcome",
		}
		if err := publisher.SendMessage(ctx, msg); err != nil {
			// Registration already succeeded; a lost welcome event is not
			// worth failing the request over.
			log.Warn("failed to publish registration event", sl.Err(err))
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, Response{
			Response: resp.OK(),
			User:     user.Public(),
		})
	}
}
