package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the canonical chat message shared by the client core and the server.
// Participant ids are always flat strings once decoded.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"sender"`
	ReceiverID     string    `json:"receiver"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}

// rawMessage mirrors the persistence collaborator's document, where references may be
// populated objects instead of ids.
type rawMessage struct {
	ID             string          `json:"_id"`
	AltID          string          `json:"id"`
	ConversationID json.RawMessage `json:"conversationId"`
	Sender         json.RawMessage `json:"sender"`
	Receiver       json.RawMessage `json:"receiver"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"createdAt"`
	IsRead         bool            `json:"isRead"`
}

// UnmarshalJSON accepts both the flat (`"sender": "u1"`) and the populated
// (`"sender": {"_id": "u1", ...}`) shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	conversationID, err := RefID(raw.ConversationID)
	if err != nil {
		return fmt.Errorf("conversationId: %w", err)
	}
	senderID, err := RefID(raw.Sender)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	receiverID, err := RefID(raw.Receiver)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	id := raw.ID
	if id == "" {
		id = raw.AltID
	}

	*m = Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        raw.Content,
		CreatedAt:      raw.CreatedAt,
		IsRead:         raw.IsRead,
	}
	return nil
}

// RefID extracts an id from a reference that is either a JSON string or an object
// carrying `_id` (or `id`). Null and absent references yield "".
func RefID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var obj struct {
			ID    string `json:"_id"`
			AltID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", err
		}
		if obj.ID != "" {
			return obj.ID, nil
		}
		return obj.AltID, nil
	default:
		return "", fmt.Errorf("unsupported reference %s", string(data))
	}
}

// Presence is the latest known online state of a user.
type Presence struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// SendRequest is the payload of a send_message event.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
}

// ReadNotice tells a sender that some of their messages were read.
type ReadNotice struct {
	MessageIDs []string `json:"messageIds"`
	ReadBy     string   `json:"readBy"`
}

// ErrorNotice is pushed on the error event when a frame cannot be processed.
type ErrorNotice struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}
