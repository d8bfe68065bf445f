package codeshare

import (
	"log/slog"
	"sync"
	"time"
)

// TopicKind identifies a class of server-pushed updates.
type TopicKind string

const (
	TopicUserActions    TopicKind = "user_actions"
	TopicSnippetUpdates TopicKind = "snippet_updates"
	TopicListUpdates    TopicKind = "list_updates"
)

// RequiresAuth reports whether subscribing needs an authenticated session.
func (k TopicKind) RequiresAuth() bool {
	return k == TopicUserActions
}

func (k TopicKind) valid() bool {
	switch k {
	case TopicUserActions, TopicSnippetUpdates, TopicListUpdates:
		return true
	}
	return false
}

// Topic is a (kind, optional scope) pair. ScopeID is a snippet id for
// snippet_updates and empty for global topics.
type Topic struct {
	Kind    TopicKind
	ScopeID string
}

// Key is the topic identity used for deduplication.
func (t Topic) Key() string {
	if t.ScopeID == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ScopeID
}

// SubscriptionRequest is the data of subscribe/unsubscribe frames.
type SubscriptionRequest struct {
	Type      TopicKind `json:"type"`
	SnippetID string    `json:"snippet_id,omitempty"`
}

// controlFrame is a client-to-server subscribe/unsubscribe frame.
type controlFrame struct {
	Type      MessageKind         `json:"type"`
	Data      SubscriptionRequest `json:"data"`
	Timestamp int64               `json:"timestamp"`
}

func newControlFrame(kind MessageKind, t Topic) controlFrame {
	return controlFrame{
		Type:      kind,
		Data:      SubscriptionRequest{Type: t.Kind, SnippetID: t.ScopeID},
		Timestamp: time.Now().UnixMilli(),
	}
}

// frameSender is the part of the transport the registry writes through.
type frameSender interface {
	Send(v any)
	sendOn(gen uint64, v any) bool
	connect()
}

// Authenticator reports whether a session is currently authenticated.
// *SessionManager implements it.
type Authenticator interface {
	IsAuthenticated() bool
}

// subscriptionRegistry keeps the set of topics the client wants active and
// mirrors it to the server once per connection.
type subscriptionRegistry struct {
	mu     sync.Mutex
	order  []string
	topics map[string]Topic
	// generation of the connection the set was last replayed on; zero
	// while no connection has been synchronized
	liveGen uint64

	sender frameSender
	auth   Authenticator
	logger *slog.Logger
}

func newSubscriptionRegistry(sender frameSender, auth Authenticator, logger *slog.Logger) *subscriptionRegistry {
	return &subscriptionRegistry{
		topics: make(map[string]Topic),
		sender: sender,
		auth:   auth,
		logger: logger,
	}
}

// subscribe records t and sends one subscribe frame on the live connection.
// Without a live connection the topic is only recorded; the next replay
// sends it.
func (r *subscriptionRegistry) subscribe(t Topic) error {
	if !t.Kind.valid() {
		r.logger.Warn("cannot subscribe: unknown topic kind", "type", t.Kind)
		return ErrUnknownTopic
	}
	if t.Kind.RequiresAuth() && (r.auth == nil || !r.auth.IsAuthenticated()) {
		r.logger.Warn("cannot subscribe: authentication required", "type", t.Kind)
		return ErrAuthRequired
	}

	r.mu.Lock()
	key := t.Key()
	if _, ok := r.topics[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.topics[key] = t
	r.order = append(r.order, key)

	sent := r.liveGen != 0 && r.sender.sendOn(r.liveGen, newControlFrame(KindSubscribe, t))
	r.mu.Unlock()

	if !sent {
		r.logger.Debug("subscription recorded until connected", "topic", key)
		r.sender.connect()
	}
	return nil
}

// unsubscribe removes t and always sends an unsubscribe frame.
func (r *subscriptionRegistry) unsubscribe(t Topic) {
	r.mu.Lock()
	r.removeLocked(t.Key())
	r.mu.Unlock()

	r.sender.Send(newControlFrame(KindUnsubscribe, t))
}

func (r *subscriptionRegistry) removeLocked(key string) {
	if _, ok := r.topics[key]; !ok {
		return
	}
	delete(r.topics, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// replayAll re-sends every recorded topic on connection gen, in registry
// order, and marks that connection as synchronized.
func (r *subscriptionRegistry) replayAll(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.liveGen = gen
	for _, key := range r.order {
		if !r.sender.sendOn(gen, newControlFrame(KindSubscribe, r.topics[key])) {
			// connection already gone; the next open replays again
			r.liveGen = 0
			return
		}
	}
	if len(r.order) > 0 {
		r.logger.Info("subscriptions replayed", "count", len(r.order))
	}
}

// cleanupAuthenticated drops every authenticated-only topic and tells the
// server about each removal.
func (r *subscriptionRegistry) cleanupAuthenticated() {
	r.mu.Lock()
	var removed []Topic
	for _, key := range append([]string(nil), r.order...) {
		if t := r.topics[key]; t.Kind.RequiresAuth() {
			removed = append(removed, t)
			r.removeLocked(key)
		}
	}
	r.mu.Unlock()

	for _, t := range removed {
		r.sender.Send(newControlFrame(KindUnsubscribe, t))
	}
	if len(removed) > 0 {
		r.logger.Info("authenticated subscriptions removed", "count", len(removed))
	}
}

// snapshot returns the recorded topics in registry order.
func (r *subscriptionRegistry) snapshot() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.topics[key])
	}
	return out
}

func (r *subscriptionRegistry) has(t Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[t.Key()]
	return ok
}
