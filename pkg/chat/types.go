package chat

import (
	"errors"
	"time"

	"bazaarchat/pkg/wire"
)

// MaxContentLength caps the size of a single message body.
const MaxContentLength = 10000

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotAuthenticated     = errors.New("not authenticated")
)

// Conversation is a two-party thread about one marketplace ad.
type Conversation struct {
	ID        string    `json:"_id"`
	BuyerID   string    `json:"buyer"`
	SellerID  string    `json:"seller"`
	AdTitle   string    `json:"adTitle"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID          string        `json:"_id"`
	AdTitle     string        `json:"adTitle"`
	Participant string        `json:"participant"`
	UnreadCount int           `json:"unreadCount"`
	LastMessage *wire.Message `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Delivery is a frame addressed to some users on whichever instance holds their socket.
// No recipients means every connected user.
type Delivery struct {
	Recipients []string   `json:"recipients,omitempty"`
	Frame      wire.Frame `json:"frame"`
}
