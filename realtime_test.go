package codeshare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

type serverConn struct {
	conn   *websocket.Conn
	header http.Header
	frames chan map[string]any
}

func (sc *serverConn) write(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sc.conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (sc *serverConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-sc.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func (sc *serverConn) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-sc.frames:
		t.Fatalf("unexpected frame: %v", f)
	case <-time.After(d):
	}
}

type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn
	count atomic.Int32
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.count.Add(1)
		sc := &serverConn{conn: c, header: r.Header.Clone(), frames: make(chan map[string]any, 32)}
		s.conns <- sc
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			var f map[string]any
			if json.Unmarshal(data, &f) == nil {
				sc.frames <- f
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func newTestRealtime(t *testing.T, url string, auth Authenticator) *RealtimeClient {
	t.Helper()
	rt := NewRealtimeClient(&RealtimeConfig{
		URL:                url,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Logger:             quietLogger(),
	}, auth)
	t.Cleanup(rt.Disconnect)
	return rt
}

func subscribeFrame(kind TopicKind, scope string) map[string]any {
	data := map[string]any{"type": string(kind)}
	if scope != "" {
		data["snippet_id"] = scope
	}
	return map[string]any{"type": "subscribe", "data": data}
}

func withoutTimestamp(f map[string]any) map[string]any {
	delete(f, "timestamp")
	return f
}

// ============================================================================
// End-to-end
// ============================================================================

func TestRealtimeSnippetUpdates(t *testing.T) {
	srv := newWSServer(t)
	rt := newTestRealtime(t, srv.url(), nil)

	got := make(chan Envelope, 1)
	var listCalls atomic.Int32
	rt.OnMessage(KindSnippetUpdates, func(env Envelope) { got <- env })
	rt.OnMessage(KindListUpdates, func(Envelope) { listCalls.Add(1) })

	require.NoError(t, rt.Subscribe(Topic{Kind: TopicSnippetUpdates, ScopeID: "abc"}))

	sc := srv.accept(t)
	assert.Equal(t, subscribeFrame(TopicSnippetUpdates, "abc"), withoutTimestamp(sc.next(t)))
	sc.expectQuiet(t, 100*time.Millisecond)

	sc.write(t, `{"type":"snippet_updates","data":{"snippet_id":"abc","update_type":"stats","like_count":7}}`)

	select {
	case env := <-got:
		assert.Equal(t, KindSnippetUpdates, env.Type)
		assert.JSONEq(t, `{"snippet_id":"abc","update_type":"stats","like_count":7}`, string(env.Data))

		var data SnippetUpdateData
		require.NoError(t, env.Decode(&data))
		require.NotNil(t, data.LikeCount)
		assert.Equal(t, 7, *data.LikeCount)
	case <-time.After(2 * time.Second):
		t.Fatal("snippet update not delivered")
	}
	assert.Equal(t, int32(0), listCalls.Load())
	assert.True(t, rt.IsConnected())
}

func TestRealtimeReplayAfterUncleanClose(t *testing.T) {
	srv := newWSServer(t)
	rt := newTestRealtime(t, srv.url(), nil)
	rec := &stateRecorder{}
	rt.OnStateChange(rec.record)

	require.NoError(t, rt.Subscribe(Topic{Kind: TopicSnippetUpdates, ScopeID: "a"}))
	first := srv.accept(t)
	first.next(t)
	require.Eventually(t, rt.IsConnected, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.Subscribe(Topic{Kind: TopicListUpdates}))
	first.next(t)

	_ = first.conn.Close(websocket.StatusInternalError, "server restart")

	second := srv.accept(t)
	assert.Equal(t, subscribeFrame(TopicSnippetUpdates, "a"), withoutTimestamp(second.next(t)))
	assert.Equal(t, subscribeFrame(TopicListUpdates, ""), withoutTimestamp(second.next(t)))
	second.expectQuiet(t, 100*time.Millisecond)

	require.Eventually(t, rt.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ConnectionState{
		StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected,
	}, rec.get())
}

func TestRealtimeMalformedFrameDropped(t *testing.T) {
	srv := newWSServer(t)
	rt := newTestRealtime(t, srv.url(), nil)

	got := make(chan Envelope, 1)
	rt.OnMessage(KindListUpdates, func(env Envelope) { got <- env })
	rt.Connect()
	sc := srv.accept(t)

	sc.write(t, `{not json`)
	sc.write(t, `{"type":"success","data":"Subscribed to list updates"}`)
	sc.write(t, `{"type":"list_updates","data":{"snippet_id":"s1","title":"New title"}}`)

	select {
	case env := <-got:
		assert.JSONEq(t, `{"snippet_id":"s1","title":"New title"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed one not delivered")
	}
	assert.Equal(t, StateConnected, rt.ConnectionState())
	assert.Equal(t, int32(1), srv.count.Load())
}

func TestRealtimeDisconnect(t *testing.T) {
	srv := newWSServer(t)
	rt := newTestRealtime(t, srv.url(), nil)
	topic := Topic{Kind: TopicListUpdates}

	require.NoError(t, rt.Subscribe(topic))
	sc := srv.accept(t)
	sc.next(t)
	require.Eventually(t, rt.IsConnected, time.Second, 5*time.Millisecond)

	rt.Disconnect()
	assert.Equal(t, StateDisconnected, rt.ConnectionState())

	select {
	case <-srv.conns:
		t.Fatal("client reconnected after Disconnect")
	case <-time.After(150 * time.Millisecond):
	}
	assert.True(t, rt.Subscribed(topic), "subscriptions survive Disconnect")

	rt.Connect()
	again := srv.accept(t)
	assert.Equal(t, subscribeFrame(TopicListUpdates, ""), withoutTimestamp(again.next(t)))
}

func TestRealtimeUnsubscribeWhileConnected(t *testing.T) {
	srv := newWSServer(t)
	rt := newTestRealtime(t, srv.url(), nil)
	topic := Topic{Kind: TopicSnippetUpdates, ScopeID: "abc"}

	require.NoError(t, rt.Subscribe(topic))
	sc := srv.accept(t)
	sc.next(t)
	require.Eventually(t, rt.IsConnected, time.Second, 5*time.Millisecond)

	rt.Unsubscribe(topic)
	f := withoutTimestamp(sc.next(t))
	assert.Equal(t, "unsubscribe", f["type"])
	assert.Equal(t, map[string]any{"type": "snippet_updates", "snippet_id": "abc"}, f["data"])
	assert.Empty(t, rt.Topics())
}

func TestRealtimeAuthenticatedTopics(t *testing.T) {
	srv := newWSServer(t)
	rt := NewRealtimeClient(&RealtimeConfig{
		URL:         srv.url(),
		TokenSource: func() string { return "tok-123" },
		Logger:      quietLogger(),
	}, staticAuth(true))
	t.Cleanup(rt.Disconnect)

	require.NoError(t, rt.Subscribe(Topic{Kind: TopicUserActions}))
	sc := srv.accept(t)
	assert.Equal(t, "Bearer tok-123", sc.header.Get("Authorization"))
	assert.Equal(t, subscribeFrame(TopicUserActions, ""), withoutTimestamp(sc.next(t)))

	rt.CleanupAuthenticated()
	f := withoutTimestamp(sc.next(t))
	assert.Equal(t, "unsubscribe", f["type"])
	assert.False(t, rt.Subscribed(Topic{Kind: TopicUserActions}))
}

// ============================================================================
// Transport
// ============================================================================

func TestTransportQueueFlushedInOrder(t *testing.T) {
	srv := newWSServer(t)
	cfg := &RealtimeConfig{URL: srv.url(), Logger: quietLogger()}
	cfg.defaults()
	tr := newTransport(cfg)
	t.Cleanup(tr.Disconnect)

	tr.Send(map[string]any{"n": 1})
	tr.Send(map[string]any{"n": 2})
	tr.Send(map[string]any{"n": 3})

	sc := srv.accept(t)
	for _, want := range []float64{1, 2, 3} {
		assert.Equal(t, want, sc.next(t)["n"])
	}
	assert.Eventually(t, func() bool { return tr.queued() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), srv.count.Load())
}

func TestTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rt := NewRealtimeClient(&RealtimeConfig{
		URL:                  url,
		MaxReconnectAttempts: -1,
		Logger:               quietLogger(),
	}, nil)
	t.Cleanup(rt.Disconnect)
	rec := &stateRecorder{}
	rt.OnStateChange(rec.record)

	rt.Connect()

	assert.Eventually(t, func() bool { return len(rec.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []ConnectionState{StateConnecting, StateError, StateDisconnected}, rec.get())
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080/api", "ws://localhost:8080/ws"},
		{"https://share.example.com/api/", "wss://share.example.com/ws"},
		{"https://share.example.com", "wss://share.example.com/ws"},
		{"ws://already", "ws://already/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, WSURL(tt.base))
		})
	}
}
