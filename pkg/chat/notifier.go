package chat

import (
	"context"
	"fmt"
	"html"

	"bazaarchat/pkg/sendemail"
	"bazaarchat/pkg/wire"
)

// Notifier tells a receiver without a live socket that a message is waiting.
type Notifier interface {
	NotifyOffline(ctx context.Context, conv Conversation, m wire.Message) error
}

type emailLookup interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

// EmailNotifier mails the receiver a short preview of the message.
type EmailNotifier struct {
	users emailLookup
	email sendemail.EmailService
}

func NewEmailNotifier(users emailLookup, email sendemail.EmailService) *EmailNotifier {
	return &EmailNotifier{users: users, email: email}
}

const previewLength = 140

func (n *EmailNotifier) NotifyOffline(ctx context.Context, conv Conversation, m wire.Message) error {
	to, err := n.users.UserEmail(ctx, m.ReceiverID)
	if err != nil {
		return err
	}
	if to == "" {
		return nil
	}

	preview := []rune(m.Content)
	if len(preview) > previewLength {
		preview = append(preview[:previewLength], '…')
	}

	subject := "You have a new message"
	if conv.AdTitle != "" {
		subject = fmt.Sprintf("New message about %q", conv.AdTitle)
	}
	plain := string(preview)
	htmlBody := fmt.Sprintf("<p>%s</p>", html.EscapeString(plain))

	if err := n.email.SendEmail(ctx, subject, to, plain, htmlBody); err != nil {
		return fmt.Errorf("notify %s: %w", m.ReceiverID, err)
	}
	return nil
}
