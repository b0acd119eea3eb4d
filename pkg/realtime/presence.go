package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

// PresenceTracker follows the online state of one counterpart. The server pushes
// user_online_status for every user, so events for anyone else are ignored.
type PresenceTracker struct {
	socket      Socket
	counterpart string
	onChange    func(wire.Presence)
	logger      *zap.Logger
	listeners   *Listeners

	mu     sync.Mutex
	record wire.Presence
	known  bool
}

// NewPresenceTracker starts listening for counterpartID. onChange may be nil.
func NewPresenceTracker(socket Socket, counterpartID string, onChange func(wire.Presence), logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PresenceTracker{
		socket:      socket,
		counterpart: counterpartID,
		onChange:    onChange,
		logger:      logger.Named("presence"),
		listeners:   NewListeners(socket),
	}
	p.listeners.On(wire.EventUserOnlineStatus, p.handleStatus)
	return p
}

// CheckStatus asks the server for a one-shot snapshot; the answer is pushed later.
func (p *PresenceTracker) CheckStatus() error {
	return p.socket.Emit(wire.EventCheckUserStatus, p.counterpart, nil)
}

// Current returns the latest record and whether one has been received.
func (p *PresenceTracker) Current() (wire.Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record, p.known
}

// Label renders the counterpart state for display at now.
func (p *PresenceTracker) Label(now time.Time) string {
	rec, ok := p.Current()
	if !ok {
		return ""
	}
	return PresenceLabel(rec, now)
}

// Close stops listening.
func (p *PresenceTracker) Close() {
	p.listeners.Close()
}

func (p *PresenceTracker) handleStatus(data json.RawMessage) {
	var rec wire.Presence
	if err := json.Unmarshal(data, &rec); err != nil {
		p.logger.Warn("bad presence payload", zap.Error(err))
		return
	}
	if rec.UserID != p.counterpart {
		return
	}

	p.mu.Lock()
	p.record = rec
	p.known = true
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(rec)
	}
}

// PresenceLabel is "Online" for an online record, otherwise the last-seen text.
func PresenceLabel(rec wire.Presence, now time.Time) string {
	if rec.IsOnline {
		return "Online"
	}
	return FormatLastSeen(now, rec.LastSeen)
}

// FormatLastSeen buckets now-lastSeen into a relative label. Anything a week or older
// is shown as an absolute date.
func FormatLastSeen(now, lastSeen time.Time) string {
	if lastSeen.IsZero() {
		return "offline"
	}

	d := now.Sub(lastSeen)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	default:
		return lastSeen.Format("Jan 2, 2006")
	}
}
