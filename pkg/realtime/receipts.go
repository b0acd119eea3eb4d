package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

// DefaultReceiptDelay is the quiet period before unread messages are marked read.
const DefaultReceiptDelay = 500 * time.Millisecond

const markReadTimeout = 10 * time.Second

// ReadMarker marks a single message read on the server. Marking twice must be harmless.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// ReadReceipts watches a session's message list and marks inbound unread messages read
// after the list has been quiet for the debounce delay. Calls go out one at a time; a
// failure is logged and the batch carries on. Nothing is retried.
type ReadReceipts struct {
	api      ReadMarker
	userID   string
	delay    time.Duration
	logger   *zap.Logger
	onMarked func(messageID string)

	ctx    context.Context
	cancel context.CancelFunc

	flushMu sync.Mutex

	mu     sync.Mutex
	timer  *time.Timer
	latest []wire.Message
	marked map[string]struct{}
	closed bool
}

// ReceiptOption configures ReadReceipts.
type ReceiptOption func(*ReadReceipts)

// WithReceiptDelay overrides DefaultReceiptDelay.
func WithReceiptDelay(d time.Duration) ReceiptOption {
	return func(r *ReadReceipts) { r.delay = d }
}

// WithReceiptLogger sets the logger.
func WithReceiptLogger(l *zap.Logger) ReceiptOption {
	return func(r *ReadReceipts) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMarkedHandler is called after each message the server accepted as read.
func WithMarkedHandler(fn func(messageID string)) ReceiptOption {
	return func(r *ReadReceipts) { r.onMarked = fn }
}

// NewReadReceipts creates a propagator for messages addressed to userID.
func NewReadReceipts(api ReadMarker, userID string, opts ...ReceiptOption) *ReadReceipts {
	ctx, cancel := context.WithCancel(context.Background())
	r := &ReadReceipts{
		api:    api,
		userID: userID,
		delay:  DefaultReceiptDelay,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		marked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("receipts")
	return r
}

// Attach observes s until the returned subscription is disposed.
func (r *ReadReceipts) Attach(s *Session) *Subscription {
	return s.OnMessagesChanged(r.Observe)
}

// Observe records the latest list and restarts the debounce timer.
func (r *ReadReceipts) Observe(msgs []wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.latest = msgs
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, r.flush)
}

// Close cancels a pending batch and any call in progress.
func (r *ReadReceipts) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *ReadReceipts) flush() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	msgs := r.latest
	r.mu.Unlock()

	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.markBatch(msgs)
}

// markBatch marks the unread messages addressed to the user, one call each.
func (r *ReadReceipts) markBatch(msgs []wire.Message) {
	for _, m := range msgs {
		if m.ReceiverID != r.userID || m.IsRead || r.wasMarked(m.ID) {
			continue
		}
		if r.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(r.ctx, markReadTimeout)
		err := r.api.MarkRead(ctx, m.ID)
		cancel()
		if err != nil {
			r.logger.Warn("mark as read failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.marked[m.ID] = struct{}{}
		r.mu.Unlock()
		if r.onMarked != nil {
			r.onMarked(m.ID)
		}
	}
}

func (r *ReadReceipts) wasMarked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[id]
	return ok
}
