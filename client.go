// Package codeshare is the Go client for the Code Share snippet service.
//
// It covers the REST endpoints used by signed-in users, a session manager
// that keeps credentials fresh, and a realtime client for live updates.
//
// Example:
//
//	client := codeshare.NewClient(codeshare.WithBaseURL("https://share.example.com/api"))
//	client.Init(ctx)
//	defer client.Close()
//
//	// Sign in; the session is persisted and refreshed automatically.
//	client.Session.Login(ctx, "me@example.com", "secret")
//
//	// Live updates for one snippet
//	client.Realtime.Subscribe(codeshare.Topic{Kind: codeshare.TopicSnippetUpdates, ScopeID: "abc"})
//	client.Realtime.OnSnippetUpdate(func(u codeshare.SnippetUpdateData, _ codeshare.Envelope) { ... })
package codeshare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the process-wide entry point. It owns one session and one
// realtime connection.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	credentials Credentials

	store       KeyValueStore
	realtimeCfg RealtimeConfig
	sessionCfg  SessionConfig
	unbindCache func()
	unbindClear func()

	Auth     *AuthClient
	Snippets *SnippetsClient
	Session  *SessionManager
	Realtime *RealtimeClient
	Cache    *SnippetCache
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithStore sets where the session is persisted.
func WithStore(store KeyValueStore) ClientOption {
	return func(c *Client) { c.store = store }
}

// WithRealtimeConfig overrides realtime settings. An empty URL is derived
// from the base URL.
func WithRealtimeConfig(config RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtimeCfg = config }
}

// WithNotifier receives user-facing notices such as logout results.
func WithNotifier(fn func(Notice)) ClientOption {
	return func(c *Client) { c.sessionCfg.Notify = fn }
}

// WithLoginRedirect is called whenever the user has to sign in again.
func WithLoginRedirect(fn func()) ClientOption {
	return func(c *Client) { c.sessionCfg.OnLoginRequired = fn }
}

// WithClock replaces the wall clock used for expiry checks.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) { c.sessionCfg.Clock = clock }
}

// NewClient creates a client. Nothing touches the network until Init or a
// request method is called.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{client: c}
	c.Snippets = &SnippetsClient{client: c}

	sessionCfg := c.sessionCfg
	sessionCfg.Store = c.store
	sessionCfg.Logger = c.logger
	c.Session = NewSessionManager(c.Auth, &sessionCfg)
	c.credentials = c.Session

	rtCfg := c.realtimeCfg
	if rtCfg.URL == "" {
		rtCfg.URL = WSURL(c.baseURL)
	}
	if rtCfg.TokenSource == nil {
		rtCfg.TokenSource = c.Session.AccessToken
	}
	if rtCfg.Logger == nil {
		rtCfg.Logger = c.logger
	}
	c.Realtime = NewRealtimeClient(&rtCfg, c.Session)
	c.Cache = NewSnippetCache(c.logger)
	return c
}

// Init restores the session, wires session teardown to the realtime
// subscriptions, binds the snippet cache and starts connecting.
func (c *Client) Init(ctx context.Context) {
	if c.unbindClear == nil {
		c.unbindClear = c.Session.OnClear(c.Realtime.CleanupAuthenticated)
	}
	if c.unbindCache == nil {
		c.unbindCache = c.Cache.Bind(c.Realtime)
	}
	c.Session.Initialize(ctx)
	c.Realtime.Connect()
}

// Close disconnects the realtime client and stops session timers.
func (c *Client) Close() {
	if c.unbindCache != nil {
		c.unbindCache()
		c.unbindCache = nil
	}
	if c.unbindClear != nil {
		c.unbindClear()
		c.unbindClear = nil
	}
	c.Realtime.Disconnect()
	c.Session.Close()
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Request helper
// ============================================================================

// Credentials supplies bearer tokens and renews them after a 401.
// *SessionManager implements it.
type Credentials interface {
	AccessToken() string
	RefreshAccessToken(ctx context.Context) (*Session, error)
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// noRetry skips refresh-and-retry; auth endpoints set it.
	noRetry bool
}

// retryPhase is the state of one logical call through the 401 glue.
type retryPhase int

const (
	phaseAttempted retryPhase = iota
	phaseRefreshing
	phaseRetried
	phaseFailed
)

func (p retryPhase) String() string {
	switch p {
	case phaseAttempted:
		return "attempted"
	case phaseRefreshing:
		return "refreshing"
	case phaseRetried:
		return "retried"
	case phaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// do sends req. A 401 triggers one credential refresh; on success the
// request is sent once more and that outcome is final. On refresh failure
// the original 401 is returned.
func (c *Client) do(ctx context.Context, req *request) (*apiResponse, error) {
	requestID := uuid.NewString()
	phase := phaseAttempted
	resp, err := c.send(ctx, req, requestID)

	for {
		switch phase {
		case phaseAttempted:
			if req.noRetry || c.credentials == nil || !errors.Is(err, ErrUnauthorized) {
				return resp, err
			}
			phase = phaseRefreshing
		case phaseRefreshing:
			c.logger.Debug("request unauthorized, refreshing", "request_id", requestID, "path", req.path)
			if _, rerr := c.credentials.RefreshAccessToken(ctx); rerr != nil {
				c.logger.Warn("refresh after 401 failed", "request_id", requestID, "error", rerr)
				phase = phaseFailed
				continue
			}
			phase = phaseRetried
		case phaseRetried:
			return c.send(ctx, req, requestID)
		case phaseFailed:
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, req *request, requestID string) (*apiResponse, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var bodyReader io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.credentials != nil {
		if token := c.credentials.AccessToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("api response", "method", req.method, "path", req.path, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &apiResponse{StatusCode: resp.StatusCode}, nil
	}
	return decodeJSON[apiResponse](data)
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range []string{"message", "error"} {
			if msg := gjson.GetBytes(body, field); msg.Type == gjson.String && msg.Str != "" {
				return msg.Str
			}
		}
	}
	return "An unexpected error occurred"
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeData[T any](resp *apiResponse) (*T, error) {
	var result T
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient calls the /auth endpoints. None of them go through the
// refresh-and-retry path.
type AuthClient struct{ client *Client }

func (a *AuthClient) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	return a.authenticate(ctx, "/auth/login", req)
}

func (a *AuthClient) Signup(ctx context.Context, req *SignupRequest) (*AuthResponse, error) {
	return a.authenticate(ctx, "/auth/signup", req)
}

// Refresh exchanges a refresh token for new credentials.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return a.authenticate(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken})
}

func (a *AuthClient) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	resp, err := a.client.do(ctx, &request{method: http.MethodPost, path: path, body: body, noRetry: true})
	if err != nil {
		return nil, err
	}
	return decodeData[AuthResponse](resp)
}

func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.client.do(ctx, &request{method: http.MethodPost, path: "/auth/logout", noRetry: true})
	return err
}

// Me returns the profile of the bearer of the current access token.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	resp, err := a.client.do(ctx, &request{method: http.MethodGet, path: "/auth/me", noRetry: true})
	if err != nil {
		return nil, err
	}
	return decodeData[User](resp)
}

// ============================================================================
// Snippets
// ============================================================================

// SnippetsClient calls the snippet endpoints.
type SnippetsClient struct{ client *Client }

func (s *SnippetsClient) List(ctx context.Context) ([]Snippet, error) {
	resp, err := s.client.do(ctx, &request{method: http.MethodGet, path: "/snippets"})
	if err != nil {
		return nil, err
	}
	list, err := decodeData[[]Snippet](resp)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (s *SnippetsClient) Get(ctx context.Context, id string) (*Snippet, error) {
	resp, err := s.client.do(ctx, &request{method: http.MethodGet, path: "/snippets/" + url.PathEscape(id)})
	if err != nil {
		return nil, err
	}
	return decodeData[Snippet](resp)
}

// ToggleLike likes or unlikes a snippet and returns its new state.
func (s *SnippetsClient) ToggleLike(ctx context.Context, id string, action LikeAction) (*Snippet, error) {
	return s.toggle(ctx, id, "like", string(action))
}

// ToggleSave saves or unsaves a snippet and returns its new state.
func (s *SnippetsClient) ToggleSave(ctx context.Context, id string, action SaveAction) (*Snippet, error) {
	return s.toggle(ctx, id, "save", string(action))
}

func (s *SnippetsClient) toggle(ctx context.Context, id, endpoint, action string) (*Snippet, error) {
	resp, err := s.client.do(ctx, &request{
		method: http.MethodPatch,
		path:   "/snippets/" + url.PathEscape(id) + "/" + endpoint,
		query:  url.Values{"action": {action}},
	})
	if err != nil {
		return nil, err
	}
	return decodeData[Snippet](resp)
}
