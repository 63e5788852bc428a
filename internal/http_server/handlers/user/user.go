package user

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	resp "user_service/internal/lib/api/response"
	sl "user_service/internal/lib/logger"
	"user_service/internal/models"
	"user_service/internal/users"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type CreateRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"userName" validate:"required,min=3,max=30"`
	Password string `json:"password" validate:"required,min=6,max=100"`
}

type UpdateRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Username *string `json:"userName,omitempty" validate:"omitempty,min=3,max=30"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=6,max=100"`
}

type UserResponse struct {
	resp.Response
	User models.PublicUser `json:"user"`
}

type ListResponse struct {
	resp.Response
	Users []models.PublicUser `json:"users"`
}

func List(log *slog.Logger, usersService *users.Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.user.List"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		list, err := usersService.List(ctx)
		if err != nil {
			log.Error("failed to list users", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("internal error"))

			return
		}

		public := make([]models.PublicUser, 0, len(list))
		for _, u := range list {
			public = append(public, u.Public())
		}

		render.JSON(w, r, ListResponse{
			Response: resp.OK(),
			Users:    public,
		})
	}
}

func Get(log *slog.Logger, usersService *users.Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.user.Get"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		id, ok := userID(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		u, err := usersService.User(ctx, id)
		if err != nil {
			renderUserError(w, r, log, err)
			return
		}

		render.JSON(w, r, UserResponse{
			Response: resp.OK(),
			User:     u.Public(),
		})
	}
}

func Create(log *slog.Logger, validate *validator.Validate, usersService *users.Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.user.Create"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		var req CreateRequest

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

		u, err := usersService.Create(ctx, req.Name, req.Email, req.Username, req.Password)
		if err != nil {
			renderUserError(w, r, log, err)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, UserResponse{
			Response: resp.OK(),
			User:     u.Public(),
		})
	}
}

func Update(log *slog.Logger, validate *validator.Validate, usersService *users.Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.user.Update"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		id, ok := userID(w, r)
		if !ok {
			return
		}

		var req UpdateRequest

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

		u, err := usersService.Update(ctx, id, users.UpdateParams{
			Name:     req.Name,
			Email:    req.Email,
			Username: req.Username,
			Password: req.Password,
		})
		if err != nil {
			renderUserError(w, r, log, err)
			return
		}

		render.JSON(w, r, UserResponse{
			Response: resp.OK(),
			User:     u.Public(),
		})
	}
}

func Delete(log *slog.Logger, usersService *users.Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.user.Delete"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		id, ok := userID(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := usersService.Delete(ctx, id); err != nil {
			renderUserError(w, r, log, err)
			return
		}

		render.NoContent(w, r)
	}
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, resp.Error("invalid user id"))

		return 0, false
	}

	return id, true
}

func renderUserError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, resp.Error("user not found"))
	case errors.Is(err, users.ErrUserExists):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, resp.Error("username or email already exists"))
	default:
		log.Error("user operation failed", sl.Err(err))

		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, resp.Error("internal error"))
	}
}
