package realtime

import (
	"encoding/json"
	"sync"

	"bazaarchat/pkg/wire"
)

// State is the connection state of the transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives the raw data of a pushed event.
type Handler func(data json.RawMessage)

// AckFunc receives the server acknowledgement of an emitted event, or the error that
// prevented one from arriving. It is called at most once.
type AckFunc func(resp wire.AckResponse, err error)

// Socket is the part of the Connection Manager that consumers depend on.
type Socket interface {
	State() State
	Authenticate(userID string) error
	Emit(event string, payload any, ack AckFunc) error
	On(event string, h Handler) *Subscription
	OnStateChange(fn func(State)) *Subscription
}

// Subscription is the handle returned by On. Dispose removes exactly the handler it was
// created for; calling it more than once is a no-op.
type Subscription struct {
	once    sync.Once
	dispose func()
}

func newSubscription(dispose func()) *Subscription {
	return &Subscription{dispose: dispose}
}

// Dispose deregisters the handler.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
	})
}

type registryEntry[T any] struct {
	id uint64
	fn T
}

// registry keeps handlers per key in registration order.
type registry[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries map[string][]registryEntry[T]
}

func (r *registry[T]) add(key string, fn T) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string][]registryEntry[T])
	}
	r.next++
	id := r.next
	r.entries[key] = append(r.entries[key], registryEntry[T]{id: id, fn: fn})

	return newSubscription(func() { r.remove(key, id) })
}

func (r *registry[T]) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[key]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.entries, key)
		return
	}
	r.entries[key] = list
}

func (r *registry[T]) removeAll(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

func (r *registry[T]) snapshot(key string) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[key]
	out := make([]T, len(list))
	for i, e := range list {
		out[i] = e.fn
	}
	return out
}

func (r *registry[T]) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[key])
}

// Listeners is a component-scoped listener map. Registering an event a second time
// disposes the previous handler first, and Close disposes everything the component
// registered. The Connection itself never enforces one handler per consumer.
type Listeners struct {
	socket Socket

	mu     sync.Mutex
	subs   map[string]*Subscription
	state  *Subscription
	closed bool
}

// NewListeners scopes registrations on socket to one component.
func NewListeners(socket Socket) *Listeners {
	return &Listeners{socket: socket, subs: make(map[string]*Subscription)}
}

// On registers h for event, replacing the handler this scope registered before.
func (l *Listeners) On(event string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if prev, ok := l.subs[event]; ok {
		prev.Dispose()
	}
	l.subs[event] = l.socket.On(event, h)
}

// OnStateChange registers fn for connection state changes, replacing a previous one.
func (l *Listeners) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.state.Dispose()
	l.state = l.socket.OnStateChange(fn)
}

// Close disposes every registration. Later calls to On are ignored.
func (l *Listeners) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for event, sub := range l.subs {
		sub.Dispose()
		delete(l.subs, event)
	}
	l.state.Dispose()
	l.state = nil
}
