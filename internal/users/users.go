package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sl "user_service/internal/lib/logger"
	"user_service/internal/models"
	"user_service/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type Users struct {
	log   *slog.Logger
	store UserStore
}

type UserStore interface {
	SaveUser(ctx context.Context, name, email, username string, passHash []byte) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
	Users(ctx context.Context) ([]models.User, error)
	UpdateUser(ctx context.Context, user models.User) error
	DeleteUser(ctx context.Context, id int64) error
}

// UpdateParams carries the fields of a partial update. Nil means unchanged.
type UpdateParams struct {
	Name     *string
	Email    *string
	Username *string
	Password *string
}

func New(log *slog.Logger, store UserStore) *Users {
	return &Users{
		log:   log,
		store: store,
	}
}

func (u *Users) User(ctx context.Context, id int64) (models.User, error) {
	const op = "users.User"

	user, err := u.store.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, ErrUserNotFound
		}

		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (u *Users) List(ctx context.Context) ([]models.User, error) {
	const op = "users.List"

	users, err := u.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return users, nil
}

func (u *Users) Create(ctx context.Context, name, email, username, pass string) (models.User, error) {
	const op = "users.Create"

	log := u.log.With(slog.String("op", op))

	passHash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := u.store.SaveUser(ctx, name, email, username, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return models.User{}, ErrUserExists
		}

		log.Error("failed to save user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// Update applies a partial update. A password change always goes through a
// full rehash here; there is no other code path that touches the hash.
func (u *Users) Update(ctx context.Context, id int64, params UpdateParams) (models.User, error) {
	const op = "users.Update"

	log := u.log.With(slog.String("op", op), slog.Int64("uid", id))

	user, err := u.store.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, ErrUserNotFound
		}

		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if params.Name != nil {
		user.Name = *params.Name
	}
	if params.Email != nil {
		user.Email = *params.Email
	}
	if params.Username != nil {
		user.Username = *params.Username
	}
	if params.Password != nil {
		passHash, err := bcrypt.GenerateFromPassword([]byte(*params.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("failed to generate password hash", sl.Err(err))
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}
		user.PassHash = passHash
	}

	if err := u.store.UpdateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			return models.User{}, ErrUserNotFound
		case errors.Is(err, storage.ErrUserExists):
			return models.User{}, ErrUserExists
		}

		log.Error("failed to update user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user updated")

	return user, nil
}

func (u *Users) Delete(ctx context.Context, id int64) error {
	const op = "users.Delete"

	log := u.log.With(slog.String("op", op), slog.Int64("uid", id))

	if err := u.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return ErrUserNotFound
		}

		log.Error("failed to delete user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user deleted")

	return nil
}
