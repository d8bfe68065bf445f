package codeshare

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const maxFrameSize = 1 << 20

// transport owns the single streaming socket. Every dial gets a new
// generation number; callbacks from an older generation are ignored.
type transport struct {
	url    string
	config *RealtimeConfig
	logger *slog.Logger
	recon  *reconnector

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	gen      uint64
	queue    []any
	cancelFn context.CancelFunc

	// pending state transitions, delivered in order by flushStates
	pending  []ConnectionState
	emitting bool

	// serializes writes so the queue flush precedes later sends
	writeMu sync.Mutex

	onState func(ConnectionState)
	onOpen  func(gen uint64)
	onFrame func(Envelope)
}

func newTransport(config *RealtimeConfig) *transport {
	return &transport{
		url:     config.URL,
		config:  config,
		logger:  config.Logger,
		recon:   newReconnector(config),
		state:   StateDisconnected,
		onState: func(ConnectionState) {},
		onOpen:  func(uint64) {},
		onFrame: func(Envelope) {},
	}
}

// State returns the current connection state.
func (t *transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts a dial unless one is in progress or the socket is open.
// An explicit call also restores an exhausted retry budget.
func (t *transport) Connect() {
	if !t.recon.shouldReconnect() {
		t.recon.reset()
	}
	t.connect()
}

func (t *transport) connect() {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return
	}
	t.recon.cancel()
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelFn = cancel
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	t.flushStates()

	t.logger.Info("realtime connecting", "url", t.url)
	go t.run(ctx, gen)
}

// Disconnect closes the socket with a normal closure, suppresses
// auto-reconnect and drops queued messages.
func (t *transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	t.recon.cancel()
	t.recon.reset()
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.cancelFn = nil
	t.queue = nil
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
	t.flushStates()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnecting"); err != nil {
			t.logger.Debug("realtime close", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Send writes v immediately when connected. Otherwise v is queued and a
// connect is started if none is in progress.
func (t *transport) Send(v any) {
	t.mu.Lock()
	if t.state == StateConnected && t.conn != nil {
		conn := t.conn
		t.writeMu.Lock()
		t.mu.Unlock()
		t.write(conn, v)
		t.writeMu.Unlock()
		return
	}
	t.queue = append(t.queue, v)
	connecting := t.state == StateConnecting
	t.mu.Unlock()

	if !connecting {
		t.connect()
	}
}

// sendOn writes v only if generation gen is the open connection.
func (t *transport) sendOn(gen uint64, v any) bool {
	t.mu.Lock()
	if gen != t.gen || t.state != StateConnected || t.conn == nil {
		t.mu.Unlock()
		return false
	}
	conn := t.conn
	t.writeMu.Lock()
	t.mu.Unlock()
	t.write(conn, v)
	t.writeMu.Unlock()
	return true
}

func (t *transport) queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *transport) write(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("realtime marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.logger.Warn("realtime write failed", "error", err)
		return
	}
	t.logger.Debug("realtime sent", "frame", string(data))
}

func (t *transport) run(ctx context.Context, gen uint64) {
	conn, _, err := websocket.Dial(ctx, t.url, t.dialOptions())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("realtime dial failed", "url", t.url, "error", err)
		t.handleClose(gen, websocket.StatusAbnormalClosure, err.Error(), true)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	if !t.handleOpen(gen, conn) {
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	t.readLoop(ctx, gen, conn)
}

func (t *transport) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{}
	if t.config.DialOptions != nil {
		*opts = *t.config.DialOptions
	}
	header := http.Header{}
	for k, v := range opts.HTTPHeader {
		header[k] = append([]string(nil), v...)
	}
	if t.config.TokenSource != nil {
		if token := t.config.TokenSource(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	opts.HTTPHeader = header
	return opts
}

func (t *transport) handleOpen(gen uint64, conn *websocket.Conn) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	queued := t.queue
	t.queue = nil
	t.setStateLocked(StateConnected)
	t.writeMu.Lock()
	t.mu.Unlock()

	t.recon.reset()
	for _, v := range queued {
		t.write(conn, v)
	}
	t.writeMu.Unlock()

	t.logger.Info("realtime connected", "url", t.url, "flushed", len(queued))
	t.flushStates()
	t.onOpen(gen)
	return true
}

func (t *transport) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 {
				t.handleClose(gen, websocket.StatusAbnormalClosure, err.Error(), !errors.Is(err, context.Canceled))
				return
			}
			t.handleClose(gen, status, err.Error(), false)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("realtime dropped malformed frame", "error", err, "size", len(data))
			continue
		}
		if !t.current(gen) {
			return
		}
		t.onFrame(env)
	}
}

func (t *transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen
}

// handleClose moves to disconnected and, for unclean closes, asks the
// reconnector for another attempt. withError surfaces an error state first.
func (t *transport) handleClose(gen uint64, code websocket.StatusCode, reason string, withError bool) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.conn = nil
	if withError {
		t.setStateLocked(StateError)
	}
	t.setStateLocked(StateDisconnected)

	var (
		attempt   int
		delay     time.Duration
		scheduled bool
	)
	if code != websocket.StatusNormalClosure {
		attempt, delay, scheduled = t.recon.schedule(func() { t.reconnect(gen) })
	}
	t.mu.Unlock()
	t.flushStates()

	t.logger.Info("realtime disconnected", "code", int(code), "reason", reason)
	switch {
	case code == websocket.StatusNormalClosure:
	case scheduled:
		t.logger.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)
	default:
		t.logger.Warn("realtime reconnect attempts exhausted", "attempts", t.recon.attempts())
	}
}

// reconnect fires from the reconnect timer. It is a no-op if the
// connection generation moved on since the timer was armed.
func (t *transport) reconnect(gen uint64) {
	t.mu.Lock()
	stale := gen != t.gen || t.state != StateDisconnected
	t.mu.Unlock()
	if stale {
		return
	}
	t.connect()
}

func (t *transport) setStateLocked(state ConnectionState) {
	if t.state == state {
		return
	}
	t.state = state
	t.pending = append(t.pending, state)
}

// flushStates delivers queued transitions in order. Reentrant calls from
// inside a state handler leave the draining to the outer call.
func (t *transport) flushStates() {
	t.mu.Lock()
	if t.emitting {
		t.mu.Unlock()
		return
	}
	t.emitting = true
	for len(t.pending) > 0 {
		state := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		t.onState(state)
		t.mu.Lock()
	}
	t.emitting = false
	t.mu.Unlock()
}
