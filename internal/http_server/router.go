package httpserver

import (
	"log/slog"

	"user_service/internal/auth"
	"user_service/internal/http_server/handlers/login"
	"user_service/internal/http_server/handlers/logout"
	"user_service/internal/http_server/handlers/profile"
	"user_service/internal/http_server/handlers/refresh"
	"user_service/internal/http_server/handlers/register"
	"user_service/internal/http_server/handlers/user"
	"user_service/internal/http_server/middleware/authn"
	"user_service/internal/http_server/middleware/ratelimit"
	"user_service/internal/users"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

// NewRouter wires every endpoint. All routes live under /users; everything
// below the authn middleware requires a Bearer access token.
func NewRouter(
	log *slog.Logger,
	authService *auth.Auth,
	usersService *users.Users,
	publisher register.Publisher,
) *chi.Mux {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/users", func(r chi.Router) {
		r.With(ratelimit.Register()).Post("/register", register.New(log, validate, authService, publisher))
		r.With(ratelimit.Login()).Post("/login", login.New(log, validate, authService))
		r.With(ratelimit.Refresh()).Post("/refresh-token", refresh.New(log, validate, authService))

		r.Group(func(r chi.Router) {
			r.Use(authn.New(log, authService))

			r.With(ratelimit.Logout()).Post("/logout", logout.New(log, validate, authService))
			r.Get("/profile", profile.New(log, usersService))

			r.Get("/", user.List(log, usersService))
			r.Post("/", user.Create(log, validate, usersService))
			r.Get("/{id}", user.Get(log, usersService))
			r.Put("/{id}", user.Update(log, validate, usersService))
			r.Delete("/{id}", user.Delete(log, usersService))
		})
	})

	return r
}
