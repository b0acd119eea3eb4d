package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"bazaarchat/pkg/wire"
)

var ErrInvalidMessage = errors.New("invalid message")

const notifyTimeout = 10 * time.Second

type Service interface {
	StartConversation(ctx context.Context, userID, receiverID, adTitle string) (ConversationSummary, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	// Conversation returns the conversation if userID takes part in it.
	Conversation(ctx context.Context, userID, conversationID string) (Conversation, error)
	History(ctx context.Context, userID, conversationID string) ([]wire.Message, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	SendMessage(ctx context.Context, userID string, req wire.SendRequest) (wire.Message, error)
	SaveMessage(ctx context.Context, userID string, req wire.SendRequest) (wire.Message, error)
	DeliverMessage(ctx context.Context, m wire.Message)
	MarkRead(ctx context.Context, userID, messageID string) (wire.Message, bool, error)
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}

type chatService struct {
	store    MessageStore
	broker   Broker
	presence PresenceStore
	notifier Notifier
	logger   *zap.Logger
}

// NewService wires the message rules. notifier may be nil.
func NewService(store MessageStore, broker Broker, presence PresenceStore, notifier Notifier, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &chatService{
		store:    store,
		broker:   broker,
		presence: presence,
		notifier: notifier,
		logger:   logger.Named("chat"),
	}
}

func (s *chatService) StartConversation(ctx context.Context, userID, receiverID, adTitle string) (ConversationSummary, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return ConversationSummary{}, fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	}
	if receiverID == userID {
		return ConversationSummary{}, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidMessage)
	}

	conv, err := s.store.FindOrCreateConversation(ctx, userID, receiverID, strings.TrimSpace(adTitle))
	if err != nil {
		return ConversationSummary{}, err
	}
	return ConversationSummary{
		ID:          conv.ID,
		AdTitle:     conv.AdTitle,
		Participant: conv.Other(userID),
		UpdatedAt:   conv.UpdatedAt,
	}, nil
}

func (s *chatService) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	return s.store.ListConversations(ctx, userID)
}

func (s *chatService) Conversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, ErrConversationNotFound
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

func (s *chatService) History(ctx context.Context, userID, conversationID string) ([]wire.Message, error) {
	if _, err := s.Conversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ConversationMessages(ctx, conversationID)
}

func (s *chatService) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

// validateMessage checks the payload before anything is stored.
func validateMessage(req wire.SendRequest, senderID string) error {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return fmt.Errorf("%w: message content cannot be empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("%w: message content too long (max %d characters)", ErrInvalidMessage, MaxContentLength)
	}
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidMessage)
	}
	if req.SenderID != "" && req.SenderID != senderID {
		return fmt.Errorf("%w: senderId does not match the authenticated user", ErrInvalidMessage)
	}
	if req.ReceiverID == senderID {
		return fmt.Errorf("%w: cannot send messages to yourself", ErrInvalidMessage)
	}
	return nil
}

// SendMessage stores the message and delivers it. See DeliverMessage.
func (s *chatService) SendMessage(ctx context.Context, userID string, req wire.SendRequest) (wire.Message, error) {
	saved, err := s.SaveMessage(ctx, userID, req)
	if err != nil {
		return wire.Message{}, err
	}
	s.DeliverMessage(ctx, saved)
	return saved, nil
}

// SaveMessage validates and persists a message without publishing it.
func (s *chatService) SaveMessage(ctx context.Context, userID string, req wire.SendRequest) (wire.Message, error) {
	if err := validateMessage(req, userID); err != nil {
		return wire.Message{}, err
	}

	conv, err := s.Conversation(ctx, userID, req.ConversationID)
	if err != nil {
		return wire.Message{}, err
	}
	receiverID := conv.Other(userID)
	if req.ReceiverID != "" && req.ReceiverID != receiverID {
		return wire.Message{}, fmt.Errorf("%w: receiverId is not the other participant", ErrInvalidMessage)
	}

	saved, err := s.store.SaveMessage(ctx, wire.Message{
		ConversationID: conv.ID,
		SenderID:       userID,
		ReceiverID:     receiverID,
		Content:        strings.TrimSpace(req.Content),
	})
	if err != nil {
		s.logger.Error("db insert failed", zap.String("sender", userID), zap.String("conversation", conv.ID), zap.Error(err))
		return wire.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	return saved, nil
}

// DeliverMessage publishes receive_message to both participants of a stored message.
// Receivers without a live socket are notified out of band.
func (s *chatService) DeliverMessage(ctx context.Context, m wire.Message) {
	s.publish(ctx, wire.EventReceiveMessage, m, m.SenderID, m.ReceiverID)
	s.notifyIfOffline(ctx, m)
}

// MarkRead is idempotent. The sender gets message_read only when the flag actually changed.
func (s *chatService) MarkRead(ctx context.Context, userID, messageID string) (wire.Message, bool, error) {
	if messageID == "" {
		return wire.Message{}, false, fmt.Errorf("%w: messageId is required", ErrInvalidMessage)
	}
	m, changed, err := s.store.MarkRead(ctx, messageID, userID)
	if err != nil {
		return wire.Message{}, false, err
	}
	if changed {
		s.publish(ctx, wire.EventMessageRead, wire.ReadNotice{MessageIDs: []string{m.ID}, ReadBy: userID}, m.SenderID)
	}
	return m, changed, nil
}

func (s *chatService) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	return s.store.UpdateLastSeen(ctx, userID, at)
}

func (s *chatService) publish(ctx context.Context, event string, payload any, recipients ...string) {
	if s.broker == nil {
		return
	}
	frame, err := wire.NewFrame(event, payload, 0)
	if err != nil {
		s.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.broker.Publish(ctx, Delivery{Recipients: recipients, Frame: frame}); err != nil {
		s.logger.Warn("publish failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *chatService) notifyIfOffline(ctx context.Context, m wire.Message) {
	if s.notifier == nil || s.presence == nil {
		return
	}
	p, err := s.presence.Get(ctx, m.ReceiverID)
	if err != nil {
		s.logger.Warn("presence lookup failed", zap.String("user", m.ReceiverID), zap.Error(err))
		return
	}
	if p.IsOnline {
		return
	}
	conv, err := s.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		s.logger.Warn("conversation lookup failed", zap.String("conversation", m.ConversationID), zap.Error(err))
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyOffline(nctx, conv, m); err != nil {
			s.logger.Info("offline notification not sent", zap.String("user", m.ReceiverID), zap.Error(err))
		}
	}()
}
