package codeshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Persisted session keys. The four entries are written and removed together.
const (
	keyToken        = "token"
	keyRefreshToken = "refreshToken"
	keyExpiresAt    = "expiresAt"
	keyUser         = "user"
)

var sessionKeys = []string{keyToken, keyRefreshToken, keyExpiresAt, keyUser}

// DefaultRefreshLead is how long before expiry the proactive refresh fires.
const DefaultRefreshLead = 5 * time.Minute

// ============================================================================
// Types
// ============================================================================

// Session is the credential set of a signed-in user.
type Session struct {
	User         User
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry in epoch seconds.
	ExpiresAt int64
}

func sessionFromAuth(resp *AuthResponse) Session {
	return Session{
		User:         resp.User,
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
}

// SessionState is the lifecycle state of the session manager.
type SessionState string

const (
	SessionAnonymous     SessionState = "anonymous"
	SessionAuthenticated SessionState = "authenticated"
	SessionRefreshing    SessionState = "refreshing"
)

// NoticeLevel classifies a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short message meant for the user, such as a toast.
type Notice struct {
	Level   NoticeLevel
	Message string
}

// AuthAPI is the set of auth endpoints the session manager calls.
// *AuthClient implements it.
type AuthAPI interface {
	Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error)
	Signup(ctx context.Context, req *SignupRequest) (*AuthResponse, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error)
	Me(ctx context.Context) (*User, error)
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// Store holds the persisted copy of the session. Defaults to a MemoryStore.
	Store KeyValueStore
	// RefreshLead is subtracted from the expiry to schedule the proactive
	// refresh.
	RefreshLead time.Duration
	// Clock returns the current time.
	Clock func() time.Time
	// OnLoginRequired is called after the session ends because of logout or
	// a failed refresh.
	OnLoginRequired func()
	// Notify receives user-facing notices.
	Notify func(Notice)
	Logger *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.RefreshLead == 0 {
		c.RefreshLead = DefaultRefreshLead
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.OnLoginRequired == nil {
		c.OnLoginRequired = func() {}
	}
	if c.Notify == nil {
		c.Notify = func(Notice) {}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// SessionManager
// ============================================================================

// SessionManager owns the access and refresh credentials, mirrors them to
// durable storage and keeps them fresh.
type SessionManager struct {
	api    AuthAPI
	config SessionConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
	state   SessionState
	// bumped whenever the session is replaced or cleared
	authGen  uint64
	timer    *time.Timer
	timerGen uint64

	pending  []SessionState
	emitting bool

	hookMu     sync.Mutex
	nextHookID uint64
	clearHooks []sessionHook[func()]
	stateHooks []sessionHook[func(SessionState)]

	refreshGroup singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

type sessionHook[F any] struct {
	id uint64
	fn F
}

// NewSessionManager creates an anonymous session manager. Call Initialize to
// restore a persisted session.
func NewSessionManager(api AuthAPI, config *SessionConfig) *SessionManager {
	var cfg SessionConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		api:      api,
		config:   cfg,
		logger:   cfg.Logger,
		state:    SessionAnonymous,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Initialize restores a persisted session. An unexpired session is trusted
// and verified in the background; an expired one is refreshed right away.
// Failures leave the manager anonymous and are only logged.
func (s *SessionManager) Initialize(ctx context.Context) {
	sess, err := s.restore()
	if err != nil {
		s.logger.Warn("discarding unreadable stored session", "error", err)
		if err := deleteAll(s.config.Store, sessionKeys...); err != nil {
			s.logger.Warn("cannot clear stored session", "error", err)
		}
		return
	}
	if sess == nil {
		s.logger.Debug("no stored session")
		return
	}

	if !s.valid(sess) {
		s.mu.Lock()
		s.session = sess
		s.authGen++
		s.mu.Unlock()

		s.logger.Info("stored session expired, refreshing", "user", sess.User.Username)
		if _, err := s.RefreshAccessToken(ctx); err != nil {
			s.logger.Warn("cannot restore session", "error", err)
			if errors.Is(err, ErrNoRefreshToken) {
				s.ClearAuth()
			}
		}
		return
	}

	s.mu.Lock()
	s.session = sess
	s.authGen++
	gen := s.authGen
	s.setStateLocked(SessionAuthenticated)
	s.scheduleLocked()
	s.mu.Unlock()
	s.flushStates()

	s.logger.Info("session restored", "user", sess.User.Username)
	go s.verify(gen)
}

// restore reads the stored session. It returns nil, nil when nothing is
// stored and an error when the stored entries are corrupt.
func (s *SessionManager) restore() (*Session, error) {
	store := s.config.Store
	token, ok := store.Get(keyToken)
	if !ok || token == "" {
		return nil, nil
	}
	sess := &Session{AccessToken: token}
	sess.RefreshToken, _ = store.Get(keyRefreshToken)

	if raw, ok := store.Get(keyExpiresAt); ok && raw != "" {
		exp, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", keyExpiresAt, err)
		}
		sess.ExpiresAt = exp
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = tokenExpiry(token)
	}

	raw, ok := store.Get(keyUser)
	if !ok || raw == "" {
		return nil, errors.New("missing stored user")
	}
	if err := json.Unmarshal([]byte(raw), &sess.User); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", keyUser, err)
	}
	return sess, nil
}

// verify checks a restored session against the server and refreshes once
// if the server rejects it.
func (s *SessionManager) verify(gen uint64) {
	user, err := s.api.Me(s.bgCtx)
	if err == nil {
		s.mu.Lock()
		current := gen == s.authGen && s.session != nil
		s.mu.Unlock()
		if current {
			if err := s.UpdateUser(*user); err != nil {
				s.logger.Warn("cannot store verified user", "error", err)
			}
		}
		return
	}
	if s.bgCtx.Err() != nil {
		return
	}

	s.logger.Warn("stored session rejected, refreshing", "error", err)
	if _, err := s.RefreshAccessToken(s.bgCtx); err != nil {
		s.logger.Warn("cannot restore session", "error", err)
	}
}

// SetAuth stores sess in memory and storage and schedules its proactive
// refresh. When sess.ExpiresAt is zero the expiry is read from the access
// token's exp claim.
func (s *SessionManager) SetAuth(sess Session) error {
	s.mu.Lock()
	err := s.setAuthLocked(sess)
	s.mu.Unlock()
	s.flushStates()

	if err == nil {
		s.logger.Info("session stored", "user", sess.User.Username, "expires_at", time.Unix(s.expiresAt(), 0))
	}
	return err
}

func (s *SessionManager) setAuthLocked(sess Session) error {
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = tokenExpiry(sess.AccessToken)
	}
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("cannot encode user: %w", err)
	}
	if err := setAll(s.config.Store, map[string]string{
		keyToken:        sess.AccessToken,
		keyRefreshToken: sess.RefreshToken,
		keyExpiresAt:    strconv.FormatInt(sess.ExpiresAt, 10),
		keyUser:         string(user),
	}); err != nil {
		return fmt.Errorf("cannot persist session: %w", err)
	}

	s.session = &sess
	s.authGen++
	s.setStateLocked(SessionAuthenticated)
	s.scheduleLocked()
	return nil
}

// scheduleLocked replaces the refresh timer. No timer is armed when the
// refresh instant has already passed.
func (s *SessionManager) scheduleLocked() {
	s.stopTimerLocked()
	if s.session == nil || s.session.RefreshToken == "" {
		return
	}
	at := time.Unix(s.session.ExpiresAt, 0).Add(-s.config.RefreshLead)
	delay := at.Sub(s.config.Clock())
	if delay <= 0 {
		s.logger.Debug("refresh time already passed, no timer scheduled")
		return
	}
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() { s.fireTimer(gen) })
	s.logger.Debug("refresh scheduled", "in", delay)
}

func (s *SessionManager) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *SessionManager) fireTimer(gen uint64) {
	s.mu.Lock()
	stale := gen != s.timerGen
	if !stale {
		s.timer = nil
	}
	s.mu.Unlock()
	if stale {
		return
	}

	s.logger.Info("proactive token refresh")
	if _, err := s.RefreshAccessToken(s.bgCtx); err != nil {
		s.logger.Warn("proactive refresh failed", "error", err)
	}
}

// RefreshAccessToken exchanges the refresh token for new credentials.
// Concurrent callers share one request, which runs until it completes or
// Close is called; cancelling ctx only stops this caller from waiting.
// When the server rejects the refresh the session is cleared and the login
// hook runs before the error is returned.
func (s *SessionManager) RefreshAccessToken(ctx context.Context) (*Session, error) {
	ch := s.refreshGroup.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(s.bgCtx, cancel)
		defer stop()
		return s.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		sess := res.Val.(Session)
		return &sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SessionManager) refresh(ctx context.Context) (Session, error) {
	s.mu.Lock()
	if s.session == nil || s.session.RefreshToken == "" {
		s.mu.Unlock()
		return Session{}, ErrNoRefreshToken
	}
	refreshToken := s.session.RefreshToken
	gen := s.authGen
	prev := s.state
	s.setStateLocked(SessionRefreshing)
	s.mu.Unlock()
	s.flushStates()

	resp, err := s.api.Refresh(ctx, refreshToken)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// abandoned, not rejected: keep the session for the next attempt
			s.mu.Lock()
			if gen == s.authGen {
				s.setStateLocked(prev)
			}
			s.mu.Unlock()
			s.flushStates()
			return Session{}, fmt.Errorf("refresh access token: %w", err)
		}
		s.fail(gen)
		return Session{}, fmt.Errorf("refresh access token: %w", err)
	}

	sess := sessionFromAuth(resp)
	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}

	s.mu.Lock()
	if gen != s.authGen {
		// cleared or replaced while the request was in flight
		s.mu.Unlock()
		return Session{}, ErrNotAuthenticated
	}
	err = s.setAuthLocked(sess)
	s.mu.Unlock()
	s.flushStates()

	if err != nil {
		s.fail(gen)
		return Session{}, err
	}
	s.logger.Info("access token refreshed", "user", sess.User.Username)
	return sess, nil
}

// fail clears the session after a rejected refresh, unless a login or
// logout already replaced the session the refresh started from.
func (s *SessionManager) fail(gen uint64) {
	if s.clear(gen, true) {
		s.config.OnLoginRequired()
	}
}

// ClearAuth cancels the refresh timer, wipes the session from memory and
// storage and runs the clear hooks. It is safe to call when anonymous.
func (s *SessionManager) ClearAuth() {
	s.clear(0, false)
}

// clear does the work of ClearAuth. With onlyGen set it does nothing
// unless the session is still at generation gen.
func (s *SessionManager) clear(gen uint64, onlyGen bool) bool {
	s.mu.Lock()
	if onlyGen && gen != s.authGen {
		s.mu.Unlock()
		return false
	}
	s.stopTimerLocked()
	had := s.session != nil
	s.session = nil
	s.authGen++
	s.setStateLocked(SessionAnonymous)
	err := deleteAll(s.config.Store, sessionKeys...)
	s.mu.Unlock()
	s.flushStates()

	if err != nil {
		s.logger.Warn("cannot clear stored session", "error", err)
	}
	if had {
		s.logger.Info("session cleared")
	}

	s.hookMu.Lock()
	hooks := append([]sessionHook[func()](nil), s.clearHooks...)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h.fn()
	}
	return true
}

// Logout invalidates the session on the server when possible. The local
// session is cleared whatever the server answers.
func (s *SessionManager) Logout(ctx context.Context) error {
	var err error
	if s.AccessToken() != "" {
		err = s.api.Logout(ctx)
	}
	s.ClearAuth()
	s.config.OnLoginRequired()

	if err != nil {
		s.logger.Warn("server logout failed", "error", err)
		s.config.Notify(Notice{Level: NoticeError, Message: "Failed to logout"})
		return fmt.Errorf("logout: %w", err)
	}
	s.config.Notify(Notice{Level: NoticeSuccess, Message: "You have been logged out successfully"})
	return nil
}

// Login signs in with email and password and stores the new session.
func (s *SessionManager) Login(ctx context.Context, email, password string) (*User, error) {
	resp, err := s.api.Login(ctx, &LoginRequest{Email: email, Password: password})
	if err != nil {
		s.config.Notify(Notice{Level: NoticeError, Message: noticeMessage(err, "Login failed")})
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := s.SetAuth(sessionFromAuth(resp)); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Signup creates an account and stores the new session.
func (s *SessionManager) Signup(ctx context.Context, req *SignupRequest) (*User, error) {
	resp, err := s.api.Signup(ctx, req)
	if err != nil {
		s.config.Notify(Notice{Level: NoticeError, Message: noticeMessage(err, "Signup failed")})
		return nil, fmt.Errorf("signup: %w", err)
	}
	if err := s.SetAuth(sessionFromAuth(resp)); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func noticeMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// UpdateUser replaces the user profile of the current session.
func (s *SessionManager) UpdateUser(u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("cannot encode user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ErrNotAuthenticated
	}
	if err := s.config.Store.Set(keyUser, string(data)); err != nil {
		return fmt.Errorf("cannot persist user: %w", err)
	}
	s.session.User = u
	return nil
}

// IsAuthenticated reports whether an access token is held and its expiry
// lies strictly in the future.
func (s *SessionManager) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.valid(s.session)
}

func (s *SessionManager) valid(sess *Session) bool {
	return sess.AccessToken != "" && sess.ExpiresAt > s.config.Clock().Unix()
}

// AccessToken returns the current access token, or "" when anonymous.
func (s *SessionManager) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// User returns the signed-in user.
func (s *SessionManager) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return User{}, false
	}
	return s.session.User, true
}

// Session returns a copy of the current session.
func (s *SessionManager) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

func (s *SessionManager) expiresAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0
	}
	return s.session.ExpiresAt
}

// State returns the lifecycle state.
func (s *SessionManager) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for state transitions. The returned
// function removes it and may be called more than once.
func (s *SessionManager) OnStateChange(h func(SessionState)) (unregister func()) {
	s.hookMu.Lock()
	s.nextHookID++
	id := s.nextHookID
	s.stateHooks = append(s.stateHooks, sessionHook[func(SessionState)]{id: id, fn: h})
	s.hookMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hookMu.Lock()
			defer s.hookMu.Unlock()
			s.stateHooks = removeHook(s.stateHooks, id)
		})
	}
}

// OnClear registers h to run every time the session is cleared.
func (s *SessionManager) OnClear(h func()) (unregister func()) {
	s.hookMu.Lock()
	s.nextHookID++
	id := s.nextHookID
	s.clearHooks = append(s.clearHooks, sessionHook[func()]{id: id, fn: h})
	s.hookMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hookMu.Lock()
			defer s.hookMu.Unlock()
			s.clearHooks = removeHook(s.clearHooks, id)
		})
	}
}

func removeHook[F any](hooks []sessionHook[F], id uint64) []sessionHook[F] {
	for i, h := range hooks {
		if h.id == id {
			return append(hooks[:i:i], hooks[i+1:]...)
		}
	}
	return hooks
}

// Close stops the refresh timer and any background verification. The
// stored session is left in place.
func (s *SessionManager) Close() {
	s.bgCancel()
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
}

func (s *SessionManager) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.pending = append(s.pending, state)
}

func (s *SessionManager) flushStates() {
	s.mu.Lock()
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	for len(s.pending) > 0 {
		state := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.logger.Debug("session state", "state", state)
		s.hookMu.Lock()
		hooks := append([]sessionHook[func(SessionState)](nil), s.stateHooks...)
		s.hookMu.Unlock()
		for _, h := range hooks {
			h.fn(state)
		}

		s.mu.Lock()
	}
	s.emitting = false
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim of an access token without verifying it.
// It returns 0 when the token carries no readable expiry.
func tokenExpiry(token string) int64 {
	if token == "" {
		return 0
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}
