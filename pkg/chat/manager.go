package chat

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

// Client represents one socket. UserID comes from the bearer token; the client joins the
// hub once it has sent authenticate.
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan wire.Frame // Outbound frames, drained by the write loop
	Done   chan struct{}   // Closed when the socket is finished

	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	conversation  string
}

// NewClient creates an unauthenticated client.
func NewClient(userID string, conn *websocket.Conn) *Client {
	return &Client{
		UserID: userID,
		Conn:   conn,
		Send:   make(chan wire.Frame, 32), // Buffered channel to handle bursts
		Done:   make(chan struct{}),
	}
}

// Close signals both loops to stop. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Conversation returns the conversation the client joined last, if any.
func (c *Client) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

func (c *Client) setConversation(id string) {
	c.mu.Lock()
	c.conversation = id
	c.mu.Unlock()
}

// Enqueue queues f for the write loop without blocking.
func (c *Client) Enqueue(f wire.Frame) error {
	select {
	case <-c.Done:
		return fmt.Errorf("user %s disconnected", c.UserID)
	default:
	}
	select {
	case c.Send <- f:
		return nil
	case <-c.Done:
		return fmt.Errorf("user %s disconnected", c.UserID)
	default:
		return fmt.Errorf("user %s message queue full", c.UserID)
	}
}

// Hub tracks the authenticated sockets of this instance, one per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // user_id -> Client
	logger  *zap.Logger
}

// NewHub creates an empty hub. logger may be nil.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register marks c authenticated and makes it the user's socket. A previous socket of the
// same user is closed. Registering the current socket again is a no-op and returns false.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	existing, ok := h.clients[c.UserID]
	if ok && existing == c {
		h.mu.Unlock()
		return false
	}
	h.clients[c.UserID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	if ok {
		existing.Close()
	}
	return true
}

// Unregister removes c if it is still the user's current socket.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.UserID]; ok && current == c {
		delete(h.clients, c.UserID)
		return true
	}
	return false
}

func (h *Hub) GetClient(userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[userID]
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.clients[userID]
	return exists
}

// OnlineUsers returns the connected user ids, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// SendToUser queues f for userID. Returns an error if the user has no socket here.
func (h *Hub) SendToUser(userID string, f wire.Frame) error {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("user %s is not online", userID)
	}
	return client.Enqueue(f)
}

// Deliver hands a broker delivery to the local sockets it addresses. Users connected to
// another instance are skipped silently. Frames dropped for a full or closed socket are logged.
func (h *Hub) Deliver(d Delivery) {
	var targets []*Client
	h.mu.RLock()
	if len(d.Recipients) == 0 {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		seen := make(map[string]bool, len(d.Recipients))
		for _, userID := range d.Recipients {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			if c, ok := h.clients[userID]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Enqueue(d.Frame); err != nil {
			h.logger.Warn("frame dropped",
				zap.String("user", c.UserID),
				zap.String("event", d.Frame.Event),
				zap.Error(err))
		}
	}
}
