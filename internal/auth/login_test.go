package auth

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gridline/powermeter/internal/domain"
)

type fakeUserStore struct {
	user domain.User
}

func (s *fakeUserStore) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	if username != s.user.Username {
		return domain.User{}, errNotFound
	}
	return s.user, nil
}

func (s *fakeUserStore) RecordLoginOutcome(ctx context.Context, userID string, failedLoginCount int) error {
	s.user.FailedLoginCount = failedLoginCount
	s.user.LastLoginAt = fixedNow
	return nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, password string) (*Service, *fakeUserStore) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword: %v", err)
	}
	store := &fakeUserStore{user: domain.User{ID: "u1", Username: "alice", PasswordHash: string(hash)}}
	svc := NewService(store, NewSigner("test-secret"), nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, store
}

// TestLoginLockoutScenarioS6 reproduces spec scenario S6 point for
// point.
func TestLoginLockoutScenarioS6(t *testing.T) {
	svc, store := newTestService(t, "correct-password")

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(context.Background(), "alice", "wrong"); err != ErrUnauthorized {
			t.Fatalf("attempt %d: expected ErrUnauthorized, got %v", i+1, err)
		}
	}
	if store.user.FailedLoginCount != 3 {
		t.Fatalf("expected fail count 3 after 3 failures, got %d", store.user.FailedLoginCount)
	}

	// Fourth attempt, still within the window: locked even with the
	// right password.
	if _, err := svc.Login(context.Background(), "alice", "correct-password"); err != ErrAccountLocked {
		t.Fatalf("expected ErrAccountLocked on the 4th attempt, got %v", err)
	}

	// 16 minutes after the 3rd failure: window elapsed, correct
	// password succeeds and resets the counter.
	svc.now = func() time.Time { return fixedNow.Add(16 * time.Minute) }
	result, err := svc.Login(context.Background(), "alice", "correct-password")
	if err != nil {
		t.Fatalf("expected success 16 minutes after lockout window, got %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a non-empty token")
	}
	if store.user.FailedLoginCount != 0 {
		t.Fatalf("expected fail count reset to 0, got %d", store.user.FailedLoginCount)
	}
}

func TestLoginWrongUsernameIsUnauthorized(t *testing.T) {
	svc, _ := newTestService(t, "correct-password")
	if _, err := svc.Login(context.Background(), "nobody", "whatever"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
