package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridline/powermeter/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

// InsertUser creates a login account. PasswordHash must already be a
// bcrypt hash; the store never hashes passwords itself (see
// internal/auth.Service.Login for the verification side).
func (s *Store) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, owner_id, failed_login_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.PasswordHash, u.OwnerID, 0, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("insert user: username %q already exists", u.Username)
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	var lastLogin *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, owner_id, last_login_at, failed_login_count, created_at, updated_at
		FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.OwnerID, &lastLogin, &u.FailedLoginCount, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if lastLogin != nil {
		u.LastLoginAt = *lastLogin
	}
	return u, nil
}

// RecordLoginOutcome persists the result of one login attempt:
// last_login_at is stamped to now regardless of outcome (it doubles
// as "time of last attempt" for the lockout window, matching
// original_source/apps/services/auth_service.py's `user.last_login_at
// = now` before the password check), and failed_login_count is set to
// the caller-computed value (the auth façade, not the store, decides
// whether to increment or reset it — see internal/auth.Service.Login).
func (s *Store) RecordLoginOutcome(ctx context.Context, userID string, failedLoginCount int) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_count = $2, last_login_at = $3, updated_at = $3 WHERE id = $1`,
		userID, failedLoginCount, now)
	if err != nil {
		return fmt.Errorf("record login outcome: %w", err)
	}
	return nil
}
