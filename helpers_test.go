package codeshare

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

var testUser = User{ID: "user-1", Username: "ada", Email: "ada@example.com"}

// fakeAuthAPI records calls and delegates to optional hooks.
type fakeAuthAPI struct {
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
	logoutCalls  atomic.Int32
	loginCalls   atomic.Int32

	refresh func(ctx context.Context, refreshToken string) (*AuthResponse, error)
	me      func(ctx context.Context) (*User, error)
	logout  func(ctx context.Context) error
	login   func(ctx context.Context, req *LoginRequest) (*AuthResponse, error)
}

func (f *fakeAuthAPI) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	f.loginCalls.Add(1)
	if f.login == nil {
		return nil, &APIError{StatusCode: 401, Message: "Invalid credentials"}
	}
	return f.login(ctx, req)
}

func (f *fakeAuthAPI) Signup(ctx context.Context, req *SignupRequest) (*AuthResponse, error) {
	return f.Login(ctx, &LoginRequest{Email: req.Email, Password: req.Password})
}

func (f *fakeAuthAPI) Logout(ctx context.Context) error {
	f.logoutCalls.Add(1)
	if f.logout == nil {
		return nil
	}
	return f.logout(ctx)
}

func (f *fakeAuthAPI) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	f.refreshCalls.Add(1)
	if f.refresh == nil {
		return nil, &APIError{StatusCode: 401, Message: "Invalid refresh token"}
	}
	return f.refresh(ctx, refreshToken)
}

func (f *fakeAuthAPI) Me(ctx context.Context) (*User, error) {
	f.meCalls.Add(1)
	if f.me == nil {
		u := testUser
		return &u, nil
	}
	return f.me(ctx)
}
