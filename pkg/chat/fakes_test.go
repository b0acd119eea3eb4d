package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bazaarchat/pkg/wire"
)

// memStore is an in-memory MessageStore with the same rules as the Postgres one.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      []wire.Message
	emails        map[string]string
	lastSeen      map[string]time.Time
	nextID        int
	saveErr       error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]Conversation),
		emails:        make(map[string]string),
		lastSeen:      make(map[string]time.Time),
	}
}

func (s *memStore) addConversation(id, buyer, seller, title string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Conversation{ID: id, BuyerID: buyer, SellerID: seller, AdTitle: title}
	s.conversations[id] = c
	return c
}

func (s *memStore) FindOrCreateConversation(_ context.Context, buyerID, sellerID, adTitle string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.BuyerID == buyerID && c.SellerID == sellerID && c.AdTitle == adTitle {
			return c, nil
		}
	}
	s.nextID++
	c := Conversation{ID: fmt.Sprintf("c%d", s.nextID), BuyerID: buyerID, SellerID: sellerID, AdTitle: adTitle}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

func (s *memStore) ListConversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConversationSummary
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		sum := ConversationSummary{ID: c.ID, AdTitle: c.AdTitle, Participant: c.Other(userID)}
		for i := range s.messages {
			m := s.messages[i]
			if m.ConversationID != c.ID {
				continue
			}
			if m.ReceiverID == userID && !m.IsRead {
				sum.UnreadCount++
			}
			sum.LastMessage = &m
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *memStore) SaveMessage(_ context.Context, m wire.Message) (wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return wire.Message{}, s.saveErr
	}
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return wire.Message{}, ErrConversationNotFound
	}
	s.nextID++
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", s.nextID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) ConversationMessages(_ context.Context, conversationID string) ([]wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkRead(_ context.Context, messageID, readerID string) (wire.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID != messageID {
			continue
		}
		if m.ReceiverID != readerID {
			return wire.Message{}, false, ErrNotParticipant
		}
		if m.IsRead {
			return *m, false, nil
		}
		m.IsRead = true
		return *m, true, nil
	}
	return wire.Message{}, false, ErrMessageNotFound
}

func (s *memStore) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = at
	return nil
}

func (s *memStore) UserEmail(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emails[userID], nil
}

// recordingBroker is a LocalBroker that also keeps every delivery.
type recordingBroker struct {
	*LocalBroker
	mu         sync.Mutex
	deliveries []Delivery
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{LocalBroker: NewLocalBroker()}
}

func (b *recordingBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	b.deliveries = append(b.deliveries, d)
	b.mu.Unlock()
	return b.LocalBroker.Publish(ctx, d)
}

func (b *recordingBroker) byEvent(event string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Delivery
	for _, d := range b.deliveries {
		if d.Frame.Event == event {
			out = append(out, d)
		}
	}
	return out
}

// chanNotifier reports every notification on a channel.
type chanNotifier struct {
	sent chan wire.Message
}

func (n *chanNotifier) NotifyOffline(_ context.Context, _ Conversation, m wire.Message) error {
	n.sent <- m
	return nil
}
