package chat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bazaarchat/pkg/auth"
	"bazaarchat/pkg/response"
	"bazaarchat/pkg/wire"
)

// RESTHandler serves the persistence API used by clients alongside the socket.
type RESTHandler struct {
	service  Service
	presence PresenceStore
	logger   *zap.Logger
}

func NewRESTHandler(service Service, presence PresenceStore, logger *zap.Logger) *RESTHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTHandler{service: service, presence: presence, logger: logger.Named("chat")}
}

// RegisterRoutes expects router to run auth.Middleware already.
func (h *RESTHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/conversations", h.listConversations)
	router.POST("/conversations", h.startConversation)
	router.GET("/conversations/:id/messages", h.conversationMessages)
	router.GET("/messages", h.unreadCount)
	router.POST("/messages/read", h.markRead)
	router.GET("/chat/status", h.status)
}

type startConversationRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	AdTitle    string `json:"adTitle"`
}

type markReadRequest struct {
	MessageID string `json:"messageId" binding:"required"`
}

func (h *RESTHandler) fail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		response.SendAPIResponse(c, http.StatusNotFound, false, "conversation not found", nil)
	case errors.Is(err, ErrMessageNotFound):
		response.SendAPIResponse(c, http.StatusNotFound, false, "message not found", nil)
	case errors.Is(err, ErrNotParticipant):
		response.SendAPIResponse(c, http.StatusForbidden, false, "forbidden: not a participant", nil)
	case errors.Is(err, ErrInvalidMessage):
		response.SendAPIResponse(c, http.StatusBadRequest, false, err.Error(), nil)
	default:
		h.logger.Error(fallback, zap.String("user", auth.UserID(c)), zap.Error(err))
		response.SendAPIResponse(c, http.StatusInternalServerError, false, fallback, nil)
	}
}

// @Summary      List conversations
// @Description  Conversations of the caller with unread counts and the latest message
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /conversations [get]
func (h *RESTHandler) listConversations(c *gin.Context) {
	list, err := h.service.ListConversations(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err, "failed to fetch conversations")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversations", gin.H{
		"conversations": list,
		"count":         len(list),
	})
}

// @Summary      Start conversation
// @Description  Finds or creates the conversation with receiverId about an ad
// @Tags         chat
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body startConversationRequest true "Start conversation request"
// @Success      200 {object} response.APIResponse{data=ConversationSummary}
// @Failure      400 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /conversations [post]
func (h *RESTHandler) startConversation(c *gin.Context) {
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}
	conv, err := h.service.StartConversation(c.Request.Context(), auth.UserID(c), req.ReceiverID, req.AdTitle)
	if err != nil {
		h.fail(c, err, "failed to start conversation")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversation", conv)
}

// @Summary      Get conversation history
// @Description  Every message of the conversation in the order the server stored them
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Conversation ID"
// @Success      200 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /conversations/{id}/messages [get]
func (h *RESTHandler) conversationMessages(c *gin.Context) {
	messages, err := h.service.History(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []wire.Message{}
	}
	response.SendAPIResponse(c, http.StatusOK, true, "messages", messages)
}

// @Summary      Unread count
// @Description  Number of unread messages addressed to the caller
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /messages [get]
func (h *RESTHandler) unreadCount(c *gin.Context) {
	n, err := h.service.UnreadCount(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err, "failed to count unread messages")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "unread count", gin.H{"unreadCount": n})
}

// @Summary      Mark message read
// @Description  Idempotent; the sender is notified with message_read when the state changes
// @Tags         chat
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body markReadRequest true "Message to mark"
// @Success      200 {object} response.APIResponse
// @Failure      400 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Router       /messages/read [post]
func (h *RESTHandler) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}
	m, changed, err := h.service.MarkRead(c.Request.Context(), auth.UserID(c), req.MessageID)
	if err != nil {
		h.fail(c, err, "failed to mark message as read")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "message marked as read", gin.H{
		"message": m,
		"changed": changed,
	})
}

// @Summary      Get online users
// @Description  Returns list of currently connected users
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} response.APIResponse
// @Router       /chat/status [get]
func (h *RESTHandler) status(c *gin.Context) {
	users, err := h.presence.Online(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to fetch online users")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "online status", gin.H{
		"online_users": users,
		"count":        len(users),
	})
}
