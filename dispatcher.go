package codeshare

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives envelopes of the kind it was registered for.
type Handler func(Envelope)

type registration struct {
	id uint64
	fn Handler
}

type stateRegistration struct {
	id uint64
	fn func(ConnectionState)
}

// dispatcher routes envelopes to handlers keyed by message kind.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[MessageKind][]registration
	state    []stateRegistration
	logger   *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[MessageKind][]registration),
		logger:   logger,
	}
}

// on registers h for kind. The returned func removes exactly that
// registration and may be called any number of times.
func (d *dispatcher) on(kind MessageKind, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			regs := d.handlers[kind]
			for i, r := range regs {
				if r.id == id {
					d.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(d.handlers[kind]) == 0 {
				delete(d.handlers, kind)
			}
		})
	}
}

func (d *dispatcher) onState(h func(ConnectionState)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.state = append(d.state, stateRegistration{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, r := range d.state {
				if r.id == id {
					d.state = append(d.state[:i:i], d.state[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) handlerCount(kind MessageKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// dispatch delivers env to every handler registered for its kind, in
// registration order. Acknowledgements never reach user handlers.
func (d *dispatcher) dispatch(env Envelope) {
	switch env.Type {
	case KindSuccess:
		d.logger.Debug("realtime ack", "message", ackMessage(env.Data))
		return
	case KindError:
		d.logger.Warn("realtime server error", "message", ackMessage(env.Data))
		return
	}

	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, r := range regs {
		d.invoke(env, r.fn)
	}
}

func (d *dispatcher) invoke(env Envelope, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("realtime handler panicked", "type", env.Type, "panic", rec)
		}
	}()
	h(env)
}

func (d *dispatcher) emitState(state ConnectionState) {
	d.mu.RLock()
	regs := append([]stateRegistration(nil), d.state...)
	d.mu.RUnlock()

	for _, r := range regs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Error("connection state handler panicked", "state", state, "panic", rec)
				}
			}()
			r.fn(state)
		}()
	}
}

// ackMessage reads an acknowledgement payload, which the server sends
// either as a bare string or as an object with a message field.
func ackMessage(data json.RawMessage) string {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(data)
}
