package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bazaarchat/pkg/auth"
	"bazaarchat/pkg/config"
	"bazaarchat/pkg/response"
	"bazaarchat/pkg/wire"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	frameTimeout = 10 * time.Second
)

// WebSocketUpgrader abstracts websocket.Upgrader so tests can inject failures.
type WebSocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// Handler serves the realtime socket endpoint.
type Handler struct {
	hub      *Hub
	service  Service
	presence PresenceStore
	broker   Broker
	jwt      config.JWTConfig
	logger   *zap.Logger
	upgrader WebSocketUpgrader
}

func NewHandler(hub *Hub, service Service, presence PresenceStore, broker Broker, jwtCfg config.JWTConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		service:  service,
		presence: presence,
		broker:   broker,
		jwt:      jwtCfg,
		logger:   logger.Named("chat"),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the CORS layer; bearer tokens authenticate the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetWebSocketUpgrader replaces the default upgrader.
func (h *Handler) SetWebSocketUpgrader(u WebSocketUpgrader) {
	h.upgrader = u
}

// HandleWebSocket godoc
// @Summary Open the realtime chat socket
// @Description Upgrades to a WebSocket carrying {event, data, ack} frames
// @Tags chat
// @Param token query string true "Bearer token"
// @Failure 401 {object} response.APIResponse
// @Router /ws/chat [get]
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, err := auth.ParseToken(h.jwt, auth.TokenFromRequest(c.Request))
	if err != nil {
		response.SendAPIResponse(c, http.StatusUnauthorized, false, "unauthorized", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", zap.String("user", userID), zap.Error(err))
		return
	}

	client := NewClient(userID, conn)
	h.logger.Debug("socket opened", zap.String("user", userID))

	go h.writeLoop(client)
	go h.readLoop(client)
}

// readLoop handles frames in arrival order until the socket closes.
func (h *Handler) readLoop(client *Client) {
	defer h.disconnect(client)

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wire.Frame
		if err := client.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket error", zap.String("user", client.UserID), zap.Error(err))
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		h.dispatch(ctx, client, frame)
		cancel()
	}
}

// writeLoop writes queued frames and keeps the connection alive with pings.
func (h *Handler) writeLoop(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.Done:
			return

		case frame := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteJSON(frame); err != nil {
				h.logger.Info("write error", zap.String("user", client.UserID), zap.Error(err))
				client.Close()
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Info("ping error", zap.String("user", client.UserID), zap.Error(err))
				client.Close()
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, client *Client, frame wire.Frame) {
	if frame.Event == wire.EventAuthenticate {
		h.onAuthenticate(ctx, client, frame)
		return
	}
	if !client.Authenticated() {
		h.reply(client, frame, nil, ErrNotAuthenticated)
		return
	}

	switch frame.Event {
	case wire.EventJoinConversation:
		h.onJoin(ctx, client, frame)
	case wire.EventLeaveConversation:
		h.onLeave(client, frame)
	case wire.EventCheckUserStatus:
		h.onCheckStatus(ctx, client, frame)
	case wire.EventSendMessage:
		h.onSendMessage(ctx, client, frame)
	default:
		h.reply(client, frame, nil, errors.New("unknown event "+frame.Event))
	}
}

func (h *Handler) onAuthenticate(ctx context.Context, client *Client, frame wire.Frame) {
	var userID string
	if err := json.Unmarshal(frame.Data, &userID); err != nil || userID == "" {
		h.reply(client, frame, nil, errors.New("authenticate expects a user id"))
		return
	}
	if userID != client.UserID {
		h.reply(client, frame, nil, errors.New("user id does not match token"))
		return
	}

	if h.hub.Register(client) {
		h.logger.Info("user connected", zap.String("user", userID))
		if err := h.presence.SetOnline(ctx, userID); err != nil {
			h.logger.Warn("presence update failed", zap.String("user", userID), zap.Error(err))
		}
		h.broadcastPresence(ctx, wire.Presence{UserID: userID, IsOnline: true})
	}
	h.reply(client, frame, nil, nil)
}

func (h *Handler) onJoin(ctx context.Context, client *Client, frame wire.Frame) {
	var conversationID string
	if err := json.Unmarshal(frame.Data, &conversationID); err != nil {
		h.reply(client, frame, nil, errors.New("join_conversation expects a conversation id"))
		return
	}
	conv, err := h.service.Conversation(ctx, client.UserID, conversationID)
	if err != nil {
		h.reply(client, frame, nil, err)
		return
	}
	client.setConversation(conv.ID)
	h.reply(client, frame, conv, nil)
}

func (h *Handler) onLeave(client *Client, frame wire.Frame) {
	var conversationID string
	_ = json.Unmarshal(frame.Data, &conversationID)
	if conversationID == "" || client.Conversation() == conversationID {
		client.setConversation("")
	}
	h.reply(client, frame, nil, nil)
}

func (h *Handler) onCheckStatus(ctx context.Context, client *Client, frame wire.Frame) {
	var userID string
	if err := json.Unmarshal(frame.Data, &userID); err != nil || userID == "" {
		h.reply(client, frame, nil, errors.New("check_user_status expects a user id"))
		return
	}
	p, err := h.presence.Get(ctx, userID)
	if err != nil {
		h.reply(client, frame, nil, err)
		return
	}
	out, err := wire.NewFrame(wire.EventUserOnlineStatus, p, 0)
	if err != nil {
		h.logger.Error("encode presence failed", zap.Error(err))
		return
	}
	if err := client.Enqueue(out); err != nil {
		h.logger.Info("presence reply dropped", zap.String("user", client.UserID), zap.Error(err))
	}
	if frame.Ack != 0 {
		h.reply(client, frame, p, nil)
	}
}

func (h *Handler) onSendMessage(ctx context.Context, client *Client, frame wire.Frame) {
	var req wire.SendRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		h.reply(client, frame, nil, errors.New("invalid message format"))
		return
	}
	saved, err := h.service.SaveMessage(ctx, client.UserID, req)
	if err != nil {
		h.reply(client, frame, nil, err)
		return
	}
	// The sender sees its ack before its own receive_message echo.
	h.reply(client, frame, saved, nil)
	h.service.DeliverMessage(ctx, saved)
}

// reply acknowledges frame when the sender asked for it. Without an ack id, failures are
// reported on the error event and successes are silent.
func (h *Handler) reply(client *Client, frame wire.Frame, data any, err error) {
	var out wire.Frame
	var encErr error
	switch {
	case frame.Ack != 0 && err != nil:
		out, encErr = wire.NewAck(frame.Ack, false, nil, err.Error())
	case frame.Ack != 0:
		out, encErr = wire.NewAck(frame.Ack, true, data, "")
	case err != nil:
		out, encErr = wire.NewFrame(wire.EventError, wire.ErrorNotice{Event: frame.Event, Error: err.Error()}, 0)
	default:
		return
	}
	if encErr != nil {
		h.logger.Error("encode reply failed", zap.String("event", frame.Event), zap.Error(encErr))
		return
	}
	if err := client.Enqueue(out); err != nil {
		h.logger.Info("reply dropped", zap.String("user", client.UserID), zap.Error(err))
	}
}

func (h *Handler) broadcastPresence(ctx context.Context, p wire.Presence) {
	frame, err := wire.NewFrame(wire.EventUserOnlineStatus, p, 0)
	if err != nil {
		h.logger.Error("encode presence failed", zap.Error(err))
		return
	}
	if err := h.broker.Publish(ctx, Delivery{Frame: frame}); err != nil {
		h.logger.Warn("presence broadcast failed", zap.String("user", p.UserID), zap.Error(err))
	}
}

// disconnect closes the socket and, if it was the user's current one, marks them offline.
func (h *Handler) disconnect(client *Client) {
	client.Close()
	if !h.hub.Unregister(client) {
		return
	}
	h.logger.Info("user disconnected", zap.String("user", client.UserID))

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := h.presence.SetOffline(ctx, client.UserID, now); err != nil {
		h.logger.Warn("presence update failed", zap.String("user", client.UserID), zap.Error(err))
	}
	if err := h.service.RecordLastSeen(ctx, client.UserID, now); err != nil {
		h.logger.Warn("last_seen_at update failed", zap.String("user", client.UserID), zap.Error(err))
	}
	h.broadcastPresence(ctx, wire.Presence{UserID: client.UserID, IsOnline: false, LastSeen: now})
}
