package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

type pendingAck struct {
	event string
	fn    AckFunc
	timer *time.Timer
}

// Connection owns the single persistent socket of an authenticated session. Create one
// per session and inject it into the components that need it.
type Connection struct {
	url        string
	dialer     Dialer
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
	ackTimeout time.Duration

	handlers      registry[Handler]
	stateHandlers registry[func(State)]

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      FrameConn
	identity  string
	announced bool
	pending   map[int64]*pendingAck
	nextAck   int64
	closed    bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackOff sets the reconnection policy. The factory is called once per outage.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Connection) { c.newBackOff = f }
}

// WithAckTimeout fails an acknowledgement that has not arrived after d with ErrAckTimeout.
// Zero, the default, waits until the connection drops.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Connection) { c.ackTimeout = d }
}

// NewConnection creates a disconnected Connection to url.
func NewConnection(url string, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:    url,
		dialer: WebSocketDialer{},
		logger: zap.NewNop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
		pending: make(map[int64]*pendingAck),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("connection")
	return c
}

// State reports the current transport state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the user id announced with Authenticate, if any.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect dials the server. It is a no-op when already connecting or connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()
	c.notify(Connecting)

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.setDisconnected()
		return fmt.Errorf("dial messaging server: %w", err)
	}
	c.attach(conn)
	return nil
}

// Close tears the connection down for good: no reconnection, pending acknowledgements
// fail with ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	changed := c.state != Disconnected
	c.state = Disconnected
	pending := c.takePendingLocked()
	c.mu.Unlock()

	c.cancel()
	failPending(pending, ErrClosed)
	if changed {
		c.notify(Disconnected)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Authenticate announces userID to the server. Calling it again with the same id on the
// same socket sends nothing. The identity is fixed for the lifetime of the Connection; a
// different id yields ErrIdentityChanged. When called while disconnected the identity is
// remembered and announced as soon as a socket is up.
func (c *Connection) Authenticate(userID string) error {
	if userID == "" {
		return ErrEmptyIdentity
	}

	c.mu.Lock()
	if c.identity != "" && c.identity != userID {
		c.mu.Unlock()
		return ErrIdentityChanged
	}
	c.identity = userID
	if c.state != Connected || c.announced {
		c.mu.Unlock()
		return nil
	}
	c.announced = true
	conn := c.conn
	c.mu.Unlock()

	frame, err := wire.NewFrame(wire.EventAuthenticate, userID, 0)
	if err != nil {
		return err
	}
	if err := c.write(conn, frame); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.announced = false
		}
		c.mu.Unlock()
		return fmt.Errorf("announce identity: %w", err)
	}
	c.logger.Debug("identity announced", zap.String("user_id", userID))
	return nil
}

// On registers h for pushed events named event. Several handlers may share a name; they
// run in registration order on the read loop, in the order frames arrive.
func (c *Connection) On(event string, h Handler) *Subscription {
	return c.handlers.add(event, h)
}

// Off removes every handler registered for event.
func (c *Connection) Off(event string) {
	c.handlers.removeAll(event)
}

// OnStateChange registers fn for state transitions.
func (c *Connection) OnStateChange(fn func(State)) *Subscription {
	return c.stateHandlers.add("state", fn)
}

// Emit sends event with payload. When ack is non-nil it is called once with the server
// acknowledgement, or with an error if the connection drops (or the optional ack timeout
// fires) first. Emit never queues: it returns ErrNotConnected unless Connected.
func (c *Connection) Emit(event string, payload any, ack AckFunc) error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	var id int64
	if ack != nil {
		c.nextAck++
		id = c.nextAck
		p := &pendingAck{event: event, fn: ack}
		if c.ackTimeout > 0 {
			p.timer = time.AfterFunc(c.ackTimeout, func() { c.failAck(id, ErrAckTimeout) })
		}
		c.pending[id] = p
	}
	c.mu.Unlock()

	frame, err := wire.NewFrame(event, payload, id)
	if err != nil {
		c.dropAck(id)
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := c.write(conn, frame); err != nil {
		c.dropAck(id)
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Connection) write(conn FrameConn, frame wire.Frame) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Connection) attach(conn FrameConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = Connected
	c.announced = false
	identity := c.identity
	c.mu.Unlock()

	go c.readLoop(conn)

	if identity != "" {
		if err := c.Authenticate(identity); err != nil {
			c.logger.Warn("re-announce identity failed", zap.Error(err))
		}
	}
	c.logger.Info("connected")
	c.notify(Connected)
}

func (c *Connection) readLoop(conn FrameConn) {
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.drop(conn, err)
			return
		}

		if frame.Event == wire.EventAck {
			c.resolveAck(frame)
			continue
		}
		for _, h := range c.handlers.snapshot(frame.Event) {
			h(frame.Data)
		}
	}
}

func (c *Connection) drop(conn FrameConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	pending := c.takePendingLocked()
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	failPending(pending, ErrDisconnected)
	c.logger.Warn("connection lost", zap.Error(cause))
	c.notify(Disconnected)

	if !closed {
		go c.reconnect()
	}
}

func (c *Connection) reconnect() {
	op := func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(ErrClosed)
		}
		if c.state != Disconnected {
			c.mu.Unlock()
			return nil
		}
		c.state = Connecting
		c.mu.Unlock()
		c.notify(Connecting)

		conn, err := c.dialer.Dial(c.ctx, c.url)
		if err != nil {
			c.setDisconnected()
			return err
		}
		c.attach(conn)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), c.ctx), notify); err != nil {
		c.logger.Info("reconnect stopped", zap.Error(err))
	}
}

func (c *Connection) setDisconnected() {
	c.mu.Lock()
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()
	if changed {
		c.notify(Disconnected)
	}
}

func (c *Connection) notify(s State) {
	for _, fn := range c.stateHandlers.snapshot("state") {
		fn(s)
	}
}

func (c *Connection) resolveAck(frame wire.Frame) {
	c.mu.Lock()
	p, ok := c.pending[frame.Ack]
	delete(c.pending, frame.Ack)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ack for unknown request", zap.Int64("ack", frame.Ack))
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	var resp wire.AckResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		p.fn(wire.AckResponse{}, fmt.Errorf("decode %s ack: %w", p.event, err))
		return
	}
	p.fn(resp, nil)
}

func (c *Connection) failAck(id int64, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		p.fn(wire.AckResponse{}, err)
	}
}

func (c *Connection) dropAck(id int64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

func (c *Connection) takePendingLocked() map[int64]*pendingAck {
	pending := c.pending
	c.pending = make(map[int64]*pendingAck)
	return pending
}

func failPending(pending map[int64]*pendingAck, err error) {
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fn(wire.AckResponse{}, err)
	}
}
