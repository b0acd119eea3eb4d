package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

// UnreadFetcher returns the server-side unread count of the authenticated user.
type UnreadFetcher interface {
	UnreadCount(ctx context.Context) (int, error)
}

// UnreadCounter keeps the global unread badge. It is independent of any open session.
//
// The baseline fetch and the live subscription start together. Whichever of
// {baseline applied, push increment} happens last wins: a push that lands before the
// baseline response is overwritten by it, and a push the server already counted in the
// baseline is counted twice if it lands after. Both windows are known and kept.
type UnreadCounter struct {
	socket    Socket
	api       UnreadFetcher
	userID    string
	logger    *zap.Logger
	onChange  func(int)
	listeners *Listeners

	mu       sync.Mutex
	count    int
	started  bool
	baseline chan struct{}
}

// UnreadOption configures an UnreadCounter.
type UnreadOption func(*UnreadCounter)

// WithUnreadLogger sets the logger.
func WithUnreadLogger(l *zap.Logger) UnreadOption {
	return func(u *UnreadCounter) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithCountHandler is called with the new value after every change.
func WithCountHandler(fn func(int)) UnreadOption {
	return func(u *UnreadCounter) { u.onChange = fn }
}

// NewUnreadCounter creates a counter for userID starting at zero.
func NewUnreadCounter(socket Socket, api UnreadFetcher, userID string, opts ...UnreadOption) *UnreadCounter {
	u := &UnreadCounter{
		socket:   socket,
		api:      api,
		userID:   userID,
		logger:   zap.NewNop(),
		baseline: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.Named("unread")
	u.listeners = NewListeners(socket)
	return u
}

// Start subscribes to receive_message and fetches the baseline concurrently.
// Calling it again does nothing.
func (u *UnreadCounter) Start(ctx context.Context) {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return
	}
	u.started = true
	u.mu.Unlock()

	u.listeners.On(wire.EventReceiveMessage, u.handleIncoming)
	go u.loadBaseline(ctx)
}

// BaselineDone is closed once the baseline request has finished, successfully or not.
func (u *UnreadCounter) BaselineDone() <-chan struct{} {
	return u.baseline
}

// Count returns the current value.
func (u *UnreadCounter) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// Badge renders the current value.
func (u *UnreadCounter) Badge() string {
	return FormatBadge(u.Count())
}

// Decrement lowers the counter by n without going below zero.
func (u *UnreadCounter) Decrement(n int) {
	if n <= 0 {
		return
	}
	u.mu.Lock()
	u.count -= n
	if u.count < 0 {
		u.count = 0
	}
	v := u.count
	u.mu.Unlock()
	u.changed(v)
}

// Close stops following live messages.
func (u *UnreadCounter) Close() {
	u.listeners.Close()
}

func (u *UnreadCounter) loadBaseline(ctx context.Context) {
	defer close(u.baseline)

	n, err := u.api.UnreadCount(ctx)
	if err != nil {
		u.logger.Warn("unread baseline fetch failed", zap.Error(err))
		return
	}
	if n < 0 {
		n = 0
	}

	u.mu.Lock()
	u.count = n
	u.mu.Unlock()
	u.changed(n)
}

func (u *UnreadCounter) handleIncoming(data json.RawMessage) {
	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		u.logger.Warn("bad receive_message payload", zap.Error(err))
		return
	}
	if m.ReceiverID != u.userID {
		return
	}

	u.mu.Lock()
	u.count++
	v := u.count
	u.mu.Unlock()
	u.changed(v)
}

func (u *UnreadCounter) changed(v int) {
	if u.onChange != nil {
		u.onChange(v)
	}
}

// FormatBadge renders an unread count: nothing for zero, "99+" above 99.
func FormatBadge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 99:
		return "99+"
	default:
		return strconv.Itoa(n)
	}
}
