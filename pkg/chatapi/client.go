// Package chatapi talks to the message persistence API over HTTP.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sendgrid/rest"

	"bazaarchat/pkg/wire"
)

// APIError is returned when the server answers with a non-2xx status or success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
}

// envelope mirrors response.APIResponse.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client implements realtime.HistoryFetcher, realtime.UnreadFetcher and realtime.ReadMarker.
type Client struct {
	baseURL string
	token   string
	rest    *rest.Client
}

// New creates a client for baseURL. The token is forwarded as-is in the Authorization header.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		rest:    &rest.Client{HTTPClient: httpClient},
	}
}

// ConversationMessages returns the full history of a conversation in server order.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]wire.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	var raw json.RawMessage
	if err := c.do(ctx, rest.Get, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch conversation messages: %w", err)
	}
	messages, err := decodeMessages(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation messages: %w", err)
	}
	return messages, nil
}

// decodeMessages reads history data as a bare array. Older servers wrapped it
// as {"messages": [...]}, which is still accepted.
func decodeMessages(raw json.RawMessage) ([]wire.Message, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []wire.Message{}, nil
	}

	var messages []wire.Message
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	} else {
		var wrapped struct {
			Messages []wire.Message `json:"messages"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		messages = wrapped.Messages
	}
	if messages == nil {
		messages = []wire.Message{}
	}
	return messages, nil
}

// UnreadCount returns the caller's unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.do(ctx, rest.Get, "/messages", nil, &out); err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}
	return out.UnreadCount, nil
}

// MarkRead marks one message read. The server treats repeated calls as no-ops.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	body := map[string]string{"messageId": messageID}
	if err := c.do(ctx, rest.Post, "/messages/read", body, nil); err != nil {
		return fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	return nil
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID          string        `json:"_id"`
	AdTitle     string        `json:"adTitle"`
	Participant string        `json:"participant"`
	UnreadCount int           `json:"unreadCount"`
	LastMessage *wire.Message `json:"lastMessage,omitempty"`
}

// StartConversation finds or creates the conversation with receiverID about an ad.
func (c *Client) StartConversation(ctx context.Context, receiverID, adTitle string) (ConversationSummary, error) {
	var out ConversationSummary
	body := map[string]string{"receiverId": receiverID, "adTitle": adTitle}
	if err := c.do(ctx, rest.Post, "/conversations", body, &out); err != nil {
		return ConversationSummary{}, fmt.Errorf("start conversation: %w", err)
	}
	return out, nil
}

// Conversations lists the caller's conversations.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var out struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, rest.Get, "/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

func (c *Client) do(ctx context.Context, method rest.Method, path string, body any, out any) error {
	req := rest.Request{
		Method:  method,
		BaseURL: c.baseURL + path,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if c.token != "" {
		req.Headers["Authorization"] = "Bearer " + c.token
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = data
		req.Headers["Content-Type"] = "application/json"
	}

	resp, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		return err
	}

	var env envelope
	decodeErr := json.Unmarshal([]byte(resp.Body), &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
