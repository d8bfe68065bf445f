package codeshare

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// MessageKind is the type field of a streaming frame.
type MessageKind string

const (
	KindError          MessageKind = "error"
	KindSuccess        MessageKind = "success"
	KindSubscribe      MessageKind = "subscribe"
	KindUnsubscribe    MessageKind = "unsubscribe"
	KindUserActions    MessageKind = "user_actions"
	KindSnippetUpdates MessageKind = "snippet_updates"
	KindListUpdates    MessageKind = "list_updates"
)

// Envelope is one frame received from the streaming endpoint.
type Envelope struct {
	Type      MessageKind     `json:"type"`
	Data      json.RawMessage `json:"data"`
	SnippetID string          `json:"snippet_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the Data field into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// UserActionData syncs liked/saved state across a user's devices.
type UserActionData struct {
	Action    string `json:"action"` // like, unlike, save, unsave
	SnippetID string `json:"snippet_id"`
	Value     bool   `json:"value"`
	LikeCount *int   `json:"like_count,omitempty"`
}

// SnippetUpdateData carries content and stat changes for one snippet.
type SnippetUpdateData struct {
	SnippetID  string `json:"snippet_id"`
	UpdateType string `json:"update_type"` // content, stats, both

	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`

	ViewCount *int `json:"view_count,omitempty"`
	LikeCount *int `json:"like_count,omitempty"`
}

// ListUpdateData carries content changes shown in snippet lists.
type ListUpdateData struct {
	SnippetID string  `json:"snippet_id"`
	Title     *string `json:"title,omitempty"`
	Content   *string `json:"content,omitempty"`
	Language  *string `json:"language,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	// URL of the streaming endpoint, e.g. wss://host/ws.
	URL string
	// MaxReconnectAttempts bounds automatic retries; negative disables them.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	WriteTimeout         time.Duration
	DialOptions          *websocket.DialOptions
	// TokenSource, when set, supplies a bearer token for each dial.
	TokenSource func() string
	Logger      *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectionState is the health of the streaming connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// WSURL converts an http(s) base URL into the streaming endpoint URL.
func WSURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the single object consumers use for live updates: one
// socket, one subscription set, one handler registry.
type RealtimeClient struct {
	transport  *transport
	registry   *subscriptionRegistry
	dispatcher *dispatcher
	logger     *slog.Logger
}

// NewRealtimeClient builds a client. auth gates authenticated-only topics
// and may be nil, in which case those topics are always rejected.
func NewRealtimeClient(config *RealtimeConfig, auth Authenticator) *RealtimeClient {
	cfg := *config
	cfg.defaults()

	rt := &RealtimeClient{
		transport:  newTransport(&cfg),
		dispatcher: newDispatcher(cfg.Logger),
		logger:     cfg.Logger,
	}
	rt.registry = newSubscriptionRegistry(rt.transport, auth, cfg.Logger)

	rt.transport.onFrame = rt.dispatcher.dispatch
	rt.transport.onOpen = rt.registry.replayAll
	rt.transport.onState = rt.dispatcher.emitState
	return rt
}

// Connect opens the connection in the background. It returns immediately;
// progress is visible through ConnectionState and OnStateChange.
func (rt *RealtimeClient) Connect() {
	rt.transport.Connect()
}

// Disconnect closes the connection and stops automatic reconnects. The
// subscription set is kept and replayed on the next Connect.
func (rt *RealtimeClient) Disconnect() {
	rt.transport.Disconnect()
}

// Subscribe adds a topic. Repeated subscribes for the same topic are no-ops.
// Authenticated-only topics are rejected with ErrAuthRequired when no
// session is active.
func (rt *RealtimeClient) Subscribe(topic Topic) error {
	return rt.registry.subscribe(topic)
}

// Unsubscribe removes a topic and notifies the server.
func (rt *RealtimeClient) Unsubscribe(topic Topic) {
	rt.registry.unsubscribe(topic)
}

// CleanupAuthenticated drops every authenticated-only subscription.
func (rt *RealtimeClient) CleanupAuthenticated() {
	rt.registry.cleanupAuthenticated()
}

// Topics returns the active subscriptions in registry order.
func (rt *RealtimeClient) Topics() []Topic {
	return rt.registry.snapshot()
}

// Subscribed reports whether topic is in the subscription set.
func (rt *RealtimeClient) Subscribed(topic Topic) bool {
	return rt.registry.has(topic)
}

// OnMessage registers a handler for kind. The returned function removes it
// and is safe to call more than once.
func (rt *RealtimeClient) OnMessage(kind MessageKind, h Handler) (unregister func()) {
	rt.logger.Debug("realtime handler registered", "type", kind)
	return rt.dispatcher.on(kind, h)
}

// OnUserAction registers a typed handler for user_actions frames.
func (rt *RealtimeClient) OnUserAction(h func(UserActionData, Envelope)) (unregister func()) {
	return rt.dispatcher.on(KindUserActions, func(env Envelope) {
		var p UserActionData
		if err := env.Decode(&p); err != nil {
			rt.logger.Warn("realtime payload decode failed", "type", env.Type, "error", err)
			return
		}
		h(p, env)
	})
}

// OnSnippetUpdate registers a typed handler for snippet_updates frames.
func (rt *RealtimeClient) OnSnippetUpdate(h func(SnippetUpdateData, Envelope)) (unregister func()) {
	return rt.dispatcher.on(KindSnippetUpdates, func(env Envelope) {
		var p SnippetUpdateData
		if err := env.Decode(&p); err != nil {
			rt.logger.Warn("realtime payload decode failed", "type", env.Type, "error", err)
			return
		}
		h(p, env)
	})
}

// OnListUpdate registers a typed handler for list_updates frames.
func (rt *RealtimeClient) OnListUpdate(h func(ListUpdateData, Envelope)) (unregister func()) {
	return rt.dispatcher.on(KindListUpdates, func(env Envelope) {
		var p ListUpdateData
		if err := env.Decode(&p); err != nil {
			rt.logger.Warn("realtime payload decode failed", "type", env.Type, "error", err)
			return
		}
		h(p, env)
	})
}

// OnStateChange registers an observer for connection state transitions.
func (rt *RealtimeClient) OnStateChange(h func(ConnectionState)) (unregister func()) {
	return rt.dispatcher.onState(h)
}

// ConnectionState returns the current connection state.
func (rt *RealtimeClient) ConnectionState() ConnectionState {
	return rt.transport.State()
}

func (rt *RealtimeClient) IsConnected() bool {
	return rt.transport.State() == StateConnected
}

func (rt *RealtimeClient) IsConnecting() bool {
	return rt.transport.State() == StateConnecting
}
