package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"user_service/internal/lib/jwt"
	sl "user_service/internal/lib/logger"
	"user_service/internal/models"
	"user_service/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
)

type Auth struct {
	log      *slog.Logger
	users    UserStore
	sessions RefreshTokenStore
	tokens   *jwt.Tokens
}

type UserStore interface {
	SaveUser(ctx context.Context, name, email, username string, passHash []byte) (models.User, error)
	UserByUsername(ctx context.Context, username string) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, rt models.RefreshToken) error
	ActiveRefreshToken(ctx context.Context, token string, userID int64) (models.RefreshToken, error)
	// RevokeRefreshToken must be a conditional update: it returns
	// storage.ErrRefreshTokenNotFound when the token is unknown or already
	// revoked, so racing rotations cannot both win.
	RevokeRefreshToken(ctx context.Context, token string) error
}

func New(
	log *slog.Logger,
	userStore UserStore,
	sessionStore RefreshTokenStore,
	tokens *jwt.Tokens,
) *Auth {
	return &Auth{
		log:      log,
		users:    userStore,
		sessions: sessionStore,
		tokens:   tokens,
	}
}

func (a *Auth) RegisterNewUser(
	ctx context.Context,
	name, email, username, pass string,
) (models.User, error) {
	const op = "auth.RegisterNewUser"

	log := a.log.With(slog.String("op", op))

	passHash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.users.SaveUser(ctx, name, email, username, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists")
			return models.User{}, ErrUserExists
		}

		log.Error("failed to save user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("uid", user.ID))

	return user, nil
}

// Login checks the credentials and issues a fresh token pair.
func (a *Auth) Login(
	ctx context.Context,
	username, password string,
) (models.User, models.TokenPair, error) {
	const op = "auth.Login"

	log := a.log.With(slog.String("op", op))

	user, err := a.users.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return models.User{}, models.TokenPair{}, ErrInvalidCredentials
		}

		log.Error("failed to get user", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Info("invalid credentials", sl.Err(err))
		return models.User{}, models.TokenPair{}, ErrInvalidCredentials
	}

	pair, err := a.issueTokenPair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in successfully", slog.Int64("uid", user.ID))

	return user, pair, nil
}

// VerifyAccess validates an access token and returns its claims. Validity is
// purely signature plus embedded expiry; access tokens are never persisted
// and cannot be revoked early.
func (a *Auth) VerifyAccess(token string) (*jwt.AccessClaims, error) {
	claims, err := a.tokens.ParseAccess(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Refresh rotates a refresh token: the old token is verified against both
// its signature and its store record, revoked, and replaced by a new pair.
// A token can therefore be rotated at most once.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (models.TokenPair, error) {
	const op = "auth.Refresh"

	log := a.log.With(slog.String("op", op))

	claims, err := a.verifyRefresh(ctx, refreshToken)
	if err != nil {
		log.Warn("refresh token rejected", sl.Err(err))
		return models.TokenPair{}, ErrInvalidToken
	}

	if err := a.sessions.RevokeRefreshToken(ctx, refreshToken); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			// Lost the race against a concurrent rotation of the same token.
			log.Warn("refresh token already revoked")
			return models.TokenPair{}, ErrInvalidToken
		}

		log.Error("failed to revoke refresh token", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.users.UserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("token owner no longer exists", slog.Int64("uid", claims.UserID))
			return models.TokenPair{}, ErrUserNotFound
		}

		log.Error("failed to load user", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.issueTokenPair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("refresh successful", slog.Int64("uid", user.ID))

	return pair, nil
}

// Logout revokes the given refresh token. Unknown or already revoked tokens
// are not an error; revoking a bogus token is harmless.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"

	log := a.log.With(slog.String("op", op))

	err := a.sessions.RevokeRefreshToken(ctx, refreshToken)
	if err != nil && !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out")

	return nil
}

// verifyRefresh requires the cryptographic check and the persisted state to
// agree: a valid signature alone is not enough if the store record was
// revoked or never existed.
func (a *Auth) verifyRefresh(ctx context.Context, refreshToken string) (*jwt.RefreshClaims, error) {
	claims, err := a.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	if _, err := a.sessions.ActiveRefreshToken(ctx, refreshToken, claims.UserID); err != nil {
		return nil, err
	}

	return claims, nil
}

// issueTokenPair mints both tokens and persists the refresh token record. No
// pair is returned without a durable record, so every issued refresh token
// stays revocable.
func (a *Auth) issueTokenPair(ctx context.Context, user models.User) (models.TokenPair, error) {
	const op = "auth.issueTokenPair"

	accessToken, err := a.tokens.NewAccessToken(user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, claims, err := a.tokens.NewRefreshToken(user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	rt := models.RefreshToken{
		Token:     refreshToken,
		JTI:       claims.ID,
		UserID:    user.ID,
		ExpiresAt: claims.ExpiresAt.Time,
		CreatedAt: time.Now(),
	}

	if err := a.sessions.SaveRefreshToken(ctx, rt); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}
