package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"bazaarchat/pkg/wire"
)

// emitted records one Emit call on fakeSocket.
type emitted struct {
	event   string
	payload any
	ack     AckFunc
}

// fakeSocket is an in-memory Socket. Pushes are dispatched synchronously.
type fakeSocket struct {
	handlers      registry[Handler]
	stateHandlers registry[func(State)]

	mu        sync.Mutex
	state     State
	identity  string
	authCalls int
	emits     []emitted
	onEmit    func(e emitted)

	joinReply *wire.AckResponse // nil acknowledges joins successfully
	joinErr   error
	holdJoins bool // leave join acks unanswered
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{state: Connected}
}

func (f *fakeSocket) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSocket) Authenticate(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity != "" && f.identity != userID {
		return ErrIdentityChanged
	}
	f.identity = userID
	f.authCalls++
	return nil
}

func (f *fakeSocket) Emit(event string, payload any, ack AckFunc) error {
	f.mu.Lock()
	if f.state != Connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	e := emitted{event: event, payload: payload, ack: ack}
	f.emits = append(f.emits, e)
	hook := f.onEmit
	reply, replyErr, hold := f.joinReply, f.joinErr, f.holdJoins
	f.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	if event == wire.EventJoinConversation && ack != nil && !hold {
		resp := wire.AckResponse{Success: true}
		if reply != nil {
			resp = *reply
		}
		ack(resp, replyErr)
	}
	return nil
}

func (f *fakeSocket) On(event string, h Handler) *Subscription {
	return f.handlers.add(event, h)
}

func (f *fakeSocket) OnStateChange(fn func(State)) *Subscription {
	return f.stateHandlers.add("state", fn)
}

func (f *fakeSocket) push(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	for _, h := range f.handlers.snapshot(event) {
		h(data)
	}
}

func (f *fakeSocket) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	for _, fn := range f.stateHandlers.snapshot("state") {
		fn(s)
	}
}

func (f *fakeSocket) emitted(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeAPI implements HistoryFetcher, UnreadFetcher and ReadMarker.
type fakeAPI struct {
	mu          sync.Mutex
	history     []wire.Message
	historyErr  error
	historyGate chan struct{}
	unread      int
	unreadErr   error
	unreadGate  chan struct{}
	markErrs    map[string]error
	marked      []string
}

func (f *fakeAPI) ConversationMessages(ctx context.Context, conversationID string) ([]wire.Message, error) {
	if f.historyGate != nil {
		<-f.historyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]wire.Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	if f.unreadGate != nil {
		<-f.unreadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.unreadErr
}

func (f *fakeAPI) MarkRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return f.markErrs[messageID]
}

func (f *fakeAPI) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.marked))
	copy(out, f.marked)
	return out
}

// fakeConn is a FrameConn whose inbound frames are fed by the test.
type fakeConn struct {
	in        chan wire.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []wire.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan wire.Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case f := <-c.in:
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames(event string) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, f := range c.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out queued connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (FrameConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) queue(c *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
