package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

// SessionState is the lifecycle state of a conversation session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionAuthenticating
	SessionJoining
	SessionLoading
	SessionReady
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionAuthenticating:
		return "authenticating"
	case SessionJoining:
		return "joining"
	case SessionLoading:
		return "loading"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HistoryFetcher loads the stored messages of a conversation.
type HistoryFetcher interface {
	ConversationMessages(ctx context.Context, conversationID string) ([]wire.Message, error)
}

// SessionConfig identifies the conversation and its two participants.
type SessionConfig struct {
	ConversationID string
	UserID         string
	ReceiverID     string
	AdTitle        string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorHandler receives send failures so they can be shown to the user.
func WithErrorHandler(fn func(error)) SessionOption {
	return func(s *Session) { s.onError = fn }
}

// WithPresenceHandler receives the counterpart's presence updates.
func WithPresenceHandler(fn func(wire.Presence)) SessionOption {
	return func(s *Session) { s.onPresence = fn }
}

// Session binds the shared connection to one conversation. It owns the ordered,
// deduplicated message list and the single-flight send path.
//
// Live messages are kept in arrival order; the list is never re-sorted by CreatedAt.
// A sent message shows up only when the server pushes it back on receive_message.
type Session struct {
	socket     Socket
	history    HistoryFetcher
	cfg        SessionConfig
	logger     *zap.Logger
	onError    func(error)
	onPresence func(wire.Presence)

	listeners *Listeners
	presence  *PresenceTracker
	observers registry[func([]wire.Message)]

	mu         sync.Mutex
	state      SessionState
	messages   []wire.Message
	seen       map[string]struct{}
	input      string
	sending    bool
	activated  bool
	closed     bool
	generation int
	lastErr    error
}

// NewSession creates an idle session. Nothing is sent until Activate.
func NewSession(socket Socket, history HistoryFetcher, cfg SessionConfig, opts ...SessionOption) *Session {
	s := &Session{
		socket:  socket,
		history: history,
		cfg:     cfg,
		logger:  zap.NewNop(),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session").With(zap.String("conversation_id", cfg.ConversationID))
	s.listeners = NewListeners(socket)
	s.presence = NewPresenceTracker(socket, cfg.ReceiverID, s.onPresence, s.logger)
	s.listeners.OnStateChange(s.handleState)
	return s
}

// Config returns the conversation identity of the session.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Activate runs authenticate, join, listen, history fetch and presence request.
// It waits for the server to acknowledge the join before loading history.
// Without a live connection or a conversation id the session stays idle and no
// error is returned. A failed history fetch leaves the session Failed with an
// empty list.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.socket.State() != Connected || s.cfg.ConversationID == "" {
		s.state = SessionIdle
		s.mu.Unlock()
		return nil
	}
	s.activated = true
	s.generation++
	gen := s.generation
	s.state = SessionAuthenticating
	s.mu.Unlock()

	if err := s.socket.Authenticate(s.cfg.UserID); err != nil {
		return s.fail(gen, fmt.Errorf("authenticate: %w", err))
	}

	s.setState(gen, SessionJoining)
	joined := make(chan error, 1)
	err := s.socket.Emit(wire.EventJoinConversation, s.cfg.ConversationID, func(resp wire.AckResponse, err error) {
		switch {
		case err != nil:
			joined <- err
		case !resp.Success:
			joined <- fmt.Errorf("%w: %s", ErrJoinRejected, resp.Error)
		default:
			joined <- nil
		}
	})
	if err != nil {
		return s.fail(gen, fmt.Errorf("join conversation: %w", err))
	}
	s.listeners.On(wire.EventReceiveMessage, s.handleIncoming)

	// Frames are handled in order per socket, so the join ack also confirms authenticate.
	select {
	case err := <-joined:
		if err != nil {
			return s.fail(gen, fmt.Errorf("join conversation: %w", err))
		}
	case <-ctx.Done():
		return s.fail(gen, fmt.Errorf("join conversation: %w", ctx.Err()))
	}

	s.setState(gen, SessionLoading)
	msgs, err := s.history.ConversationMessages(ctx, s.cfg.ConversationID)
	if err != nil {
		return s.fail(gen, fmt.Errorf("fetch history: %w", err))
	}
	if !s.replace(gen, msgs) {
		return nil
	}

	if err := s.presence.CheckStatus(); err != nil {
		s.logger.Warn("presence request failed", zap.Error(err))
	}
	s.setState(gen, SessionReady)
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the list in display order.
func (s *Session) Messages() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Presence returns the counterpart tracker.
func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// SetInput replaces the draft text.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
}

// Input returns the draft text.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Sending reports whether a send is waiting for its acknowledgement.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// CanSend reports whether the send control should be enabled.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.sending && s.socket.State() == Connected
}

// LastError returns the most recent send or fetch error.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnMessagesChanged registers fn to receive a snapshot after every list mutation.
func (s *Session) OnMessagesChanged(fn func([]wire.Message)) *Subscription {
	return s.observers.add("messages", fn)
}

// Send emits the trimmed draft. Only one send may be in flight. The draft is cleared
// when the server acknowledges success and kept otherwise; there is no retry.
func (s *Session) Send() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoSession
	}
	content := strings.TrimSpace(s.input)
	if content == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	if s.socket.State() != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.sending = true
	s.lastErr = nil
	s.mu.Unlock()

	req := wire.SendRequest{
		ConversationID: s.cfg.ConversationID,
		SenderID:       s.cfg.UserID,
		ReceiverID:     s.cfg.ReceiverID,
		Content:        content,
	}
	if err := s.socket.Emit(wire.EventSendMessage, req, s.handleSendAck); err != nil {
		s.mu.Lock()
		s.sending = false
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close leaves the conversation and deregisters every handler. Pushes arriving
// afterwards do not touch the session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.activated = false
	s.mu.Unlock()

	s.listeners.Close()
	s.presence.Close()
	if s.socket.State() == Connected {
		if err := s.socket.Emit(wire.EventLeaveConversation, s.cfg.ConversationID, nil); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Debug("leave conversation failed", zap.Error(err))
		}
	}
}

func (s *Session) handleIncoming(data json.RawMessage) {
	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("bad receive_message payload", zap.Error(err))
		return
	}
	if m.ConversationID != s.cfg.ConversationID {
		return
	}
	if m.ID == "" {
		s.logger.Warn("receive_message without id dropped")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[m.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
}

func (s *Session) handleSendAck(resp wire.AckResponse, err error) {
	if err == nil && !resp.Success {
		err = &AckError{Event: wire.EventSendMessage, Message: resp.Error}
	}

	s.mu.Lock()
	s.sending = false
	if err == nil {
		s.input = ""
	} else {
		s.lastErr = err
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("send failed", zap.Error(err))
		if s.onError != nil {
			s.onError(err)
		}
	}
}

func (s *Session) handleState(st State) {
	if st != Connected {
		return
	}
	s.mu.Lock()
	again := s.activated && !s.closed
	s.mu.Unlock()
	if !again {
		return
	}
	go func() {
		if err := s.Activate(context.Background()); err != nil {
			s.logger.Warn("reactivation failed", zap.Error(err))
		}
	}()
}

// replace installs the fetched history wholesale. It reports false when a newer
// activation or Close made the result stale.
func (s *Session) replace(gen int, msgs []wire.Message) bool {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.messages = make([]wire.Message, 0, len(msgs))
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return true
}

func (s *Session) fail(gen int, err error) error {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return err
	}
	s.state = SessionFailed
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Error("session activation failed", zap.Error(err))
	s.publish(nil)
	return err
}

func (s *Session) setState(gen int, st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && gen == s.generation {
		s.state = st
	}
}

func (s *Session) snapshotLocked() []wire.Message {
	out := make([]wire.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) publish(snap []wire.Message) {
	for _, fn := range s.observers.snapshot("messages") {
		fn(snap)
	}
}
