package jwt

import (
	"errors"
	"time"

	"user_service/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers every verification failure. Malformed, tampered,
// wrongly signed and expired tokens are deliberately indistinguishable to
// callers.
var ErrInvalidToken = errors.New("invalid token")

// AccessClaims is the payload of a short-lived access token.
type AccessClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"userName"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a long-lived refresh token. Only the owner
// id is embedded; everything else lives in the refresh_tokens table.
type RefreshClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Clock is used for both minting and verification. Defaults to time.Now.
	Clock func() time.Time
}

// Tokens mints and verifies both token kinds. The access and refresh secrets
// are kept separate so compromising one cannot forge the other.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func New(cfg Config) (*Tokens, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("both signing secrets are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Tokens{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}, nil
}

func (t *Tokens) NewAccessToken(user models.User) (string, error) {
	now := t.now()

	claims := AccessClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.accessSecret)
}

// NewRefreshToken mints a refresh token and returns its claims so the caller
// can persist the matching store record.
func (t *Tokens) NewRefreshToken(user models.User) (string, *RefreshClaims, error) {
	now := t.now()

	claims := RefreshClaims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.refreshSecret)
	if err != nil {
		return "", nil, err
	}

	return token, &claims, nil
}

func (t *Tokens) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := t.parse(tokenStr, claims, t.accessSecret); err != nil {
		return nil, err
	}

	return claims, nil
}

func (t *Tokens) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := t.parse(tokenStr, claims, t.refreshSecret); err != nil {
		return nil, err
	}

	return claims, nil
}

func (t *Tokens) parse(tokenStr string, claims jwt.Claims, secret []byte) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	return nil
}
