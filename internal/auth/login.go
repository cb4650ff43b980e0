package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
)

// LockoutThreshold and LockoutWindow implement spec.md §4.10 / S6:
// three consecutive failures within 15 minutes (measured against
// last_login_at) lock the account.
const (
	LockoutThreshold = 3
	LockoutWindow    = 15 * time.Minute
)

var (
	ErrUnauthorized  = errors.New("auth: invalid credentials")
	ErrAccountLocked = errors.New("auth: account locked")
)

// UserStore is the narrow persistence dependency Login needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
	RecordLoginOutcome(ctx context.Context, userID string, failedLoginCount int) error
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token  string
	UserID string
}

// Service ties together password verification, the lockout window,
// and token issuance.
type Service struct {
	users   UserStore
	signer  *Signer
	metrics metrics.Metrics
	now     func() time.Time
}

// Signer exposes the token signer so callers (the HTTP façade) can
// decode a freshly issued token's claims without re-deriving them.
func (s *Service) Signer() *Signer { return s.signer }

func NewService(users UserStore, signer *Signer, m metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Service{users: users, signer: signer, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

// Login implements spec.md §4.10 / scenario S6, following
// auth_service.py's algorithm exactly: last_login_at is stamped on
// every attempt (it is the "last attempt" clock, not just "last
// success"), so a still-locked account's window is measured from the
// most recent failure, and a correct password submitted after the
// window has elapsed both succeeds and resets the counter to 0.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return LoginResult{}, ErrUnauthorized
	}

	now := s.now()
	failCount := user.FailedLoginCount

	if failCount >= LockoutThreshold {
		if !user.LastLoginAt.IsZero() && now.Sub(user.LastLoginAt) < LockoutWindow {
			return LoginResult{}, ErrAccountLocked
		}
		// Cooldown elapsed: the counter resets before this attempt is
		// evaluated, exactly as auth_service.py does.
		failCount = 0
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		failCount++
		if err := s.users.RecordLoginOutcome(ctx, user.ID, failCount); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrUnauthorized
	}

	if err := s.users.RecordLoginOutcome(ctx, user.ID, 0); err != nil {
		return LoginResult{}, err
	}

	token, err := s.signer.Issue(user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, UserID: user.ID}, nil
}
