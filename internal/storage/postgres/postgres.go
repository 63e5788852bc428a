package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"user_service/internal/config"
	"user_service/internal/models"
	"user_service/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.Config) (*PostgresRepo, error) {
	const op = "storage.postgres.New"

	poolConfig, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse config: %w", op, err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create pool: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: failed to ping database: %w", op, err)
	}

	return &PostgresRepo{pool: pool}, nil
}

func (r *PostgresRepo) SaveUser(ctx context.Context, name, email, username string, passHash []byte) (models.User, error) {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users (name, email, username, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at;
	`

	u := models.User{
		Name:     name,
		Email:    email,
		Username: username,
		PassHash: passHash,
	}

	err := r.pool.QueryRow(ctx, query, name, email, username, string(passHash)).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.User{}, storage.ErrUserExists
		}

		return models.User{}, fmt.Errorf("%s: failed to save user: %w", op, err)
	}

	return u, nil
}

func (r *PostgresRepo) UserByUsername(ctx context.Context, username string) (models.User, error) {
	query := `
		SELECT id, name, email, username, password_hash, created_at
		FROM users
		WHERE username = $1;
	`

	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

func (r *PostgresRepo) UserByID(ctx context.Context, id int64) (models.User, error) {
	query := `
		SELECT id, name, email, username, password_hash, created_at
		FROM users
		WHERE id = $1;
	`

	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepo) Users(ctx context.Context) ([]models.User, error) {
	const op = "storage.postgres.Users"

	query := `
		SELECT id, name, email, username, password_hash, created_at
		FROM users
		ORDER BY id;
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var users []models.User

	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Username, &u.PassHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, u)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, rows.Err())
	}

	return users, nil
}

func (r *PostgresRepo) UpdateUser(ctx context.Context, user models.User) error {
	const op = "storage.postgres.UpdateUser"

	query := `
		UPDATE users
		SET name = $1, email = $2, username = $3, password_hash = $4
		WHERE id = $5;
	`

	ct, err := r.pool.Exec(ctx, query, user.Name, user.Email, user.Username, string(user.PassHash), user.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrUserExists
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if ct.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

func (r *PostgresRepo) DeleteUser(ctx context.Context, id int64) error {
	const op = "storage.postgres.DeleteUser"

	query := `DELETE FROM users WHERE id = $1`

	ct, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if ct.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

func (r *PostgresRepo) SaveRefreshToken(ctx context.Context, rt models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
		INSERT INTO refresh_tokens (token, jti, user_id, expires_at)
		VALUES ($1, $2, $3, $4);
	`

	_, err := r.pool.Exec(ctx, query, rt.Token, rt.JTI, rt.UserID, rt.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *PostgresRepo) ActiveRefreshToken(ctx context.Context, token string, userID int64) (models.RefreshToken, error) {
	query := `
		SELECT token, jti, user_id, expires_at, revoked, created_at
		FROM refresh_tokens
		WHERE token = $1 AND user_id = $2 AND NOT revoked AND expires_at > NOW();
	`

	var rt models.RefreshToken

	err := r.pool.QueryRow(ctx, query, token, userID).
		Scan(&rt.Token, &rt.JTI, &rt.UserID, &rt.ExpiresAt, &rt.Revoked, &rt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
		}

		return models.RefreshToken{}, err
	}

	return rt, nil
}

// RevokeRefreshToken flips the revoked flag with a conditional single-row
// update. A zero-row result means the token is unknown or already revoked,
// which keeps concurrent rotations of the same token down to one winner.
func (r *PostgresRepo) RevokeRefreshToken(ctx context.Context, token string) error {
	const op = "storage.postgres.RevokeRefreshToken"

	query := `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1 AND NOT revoked`

	ct, err := r.pool.Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if ct.RowsAffected() == 0 {
		return storage.ErrRefreshTokenNotFound
	}

	return nil
}

func (r *PostgresRepo) Close() {
	r.pool.Close()
}

func (r *PostgresRepo) scanUser(row pgx.Row) (models.User, error) {
	var u models.User

	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.Username,
		&u.PassHash,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	return u, nil
}

func dsn(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s",
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
	)
}
