package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaarchat/pkg/wire"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type MessageStore interface {
	FindOrCreateConversation(ctx context.Context, buyerID, sellerID, adTitle string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	SaveMessage(ctx context.Context, m wire.Message) (wire.Message, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]wire.Message, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	// MarkRead flips is_read for a message addressed to readerID. changed is false when it
	// was already read.
	MarkRead(ctx context.Context, messageID, readerID string) (m wire.Message, changed bool, err error)
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
	UserEmail(ctx context.Context, userID string) (string, error)
}

type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, is_read, created_at`

func scanMessage(row pgx.Row) (wire.Message, error) {
	var m wire.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt)
	return m, err
}

// FindOrCreateConversation returns the conversation between buyer and seller about adTitle,
// creating it on first use.
func (r *PostgresMessageStore) FindOrCreateConversation(ctx context.Context, buyerID, sellerID, adTitle string) (Conversation, error) {
	if r.pool == nil {
		return Conversation{}, errors.New("db pool is nil")
	}

	const insertSQL = `
		INSERT INTO conversations (id, buyer_id, seller_id, ad_title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (buyer_id, seller_id, ad_title) DO UPDATE SET ad_title = EXCLUDED.ad_title
		RETURNING id, buyer_id, seller_id, ad_title, created_at, updated_at
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var c Conversation
	row := r.pool.QueryRow(ctxTimeout, insertSQL, uuid.NewString(), buyerID, sellerID, adTitle)
	if err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.AdTitle, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresMessageStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if r.pool == nil {
		return Conversation{}, errors.New("db pool is nil")
	}

	const selectSQL = `
		SELECT id, buyer_id, seller_id, ad_title, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var c Conversation
	err := r.pool.QueryRow(ctxTimeout, selectSQL, id).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.AdTitle, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first, each with
// its unread count for userID and its latest message.
func (r *PostgresMessageStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if r.pool == nil {
		return nil, errors.New("db pool is nil")
	}

	const querySQL = `
		SELECT
			c.id,
			c.ad_title,
			CASE WHEN c.buyer_id = $1 THEN c.seller_id ELSE c.buyer_id END AS participant,
			c.updated_at,
			(SELECT COUNT(*) FROM messages u
			  WHERE u.conversation_id = c.id AND u.receiver_id = $1 AND u.is_read = FALSE) AS unread,
			lm.id, lm.sender_id, lm.receiver_id, lm.content, lm.is_read, lm.created_at
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT id, sender_id, receiver_id, content, is_read, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY seq DESC
			LIMIT 1
		) lm ON TRUE
		WHERE c.buyer_id = $1 OR c.seller_id = $1
		ORDER BY c.updated_at DESC
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctxTimeout, querySQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	result := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			s                        ConversationSummary
			unread                   int64
			lastID, sender, receiver *string
			content                  *string
			isRead                   *bool
			createdAt                *time.Time
		)
		if err := rows.Scan(&s.ID, &s.AdTitle, &s.Participant, &s.UpdatedAt, &unread,
			&lastID, &sender, &receiver, &content, &isRead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		s.UnreadCount = int(unread)
		if lastID != nil {
			s.LastMessage = &wire.Message{
				ID:             *lastID,
				ConversationID: s.ID,
				SenderID:       *sender,
				ReceiverID:     *receiver,
				Content:        *content,
				IsRead:         *isRead,
				CreatedAt:      *createdAt,
			}
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// SaveMessage inserts m, assigning an id and creation time when missing, and bumps the
// conversation's updated_at.
func (r *PostgresMessageStore) SaveMessage(ctx context.Context, m wire.Message) (wire.Message, error) {
	if r.pool == nil {
		return wire.Message{}, errors.New("db pool is nil")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	const insertSQL = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING ` + messageColumns

	const touchSQL = `UPDATE conversations SET updated_at = $2 WHERE id = $1`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctxTimeout)
	if err != nil {
		return wire.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctxTimeout)

	saved, err := scanMessage(tx.QueryRow(ctxTimeout, insertSQL, m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgForeignKeyViolation:
				return wire.Message{}, ErrConversationNotFound
			case pgUniqueViolation:
				return wire.Message{}, fmt.Errorf("message %s already exists", m.ID)
			}
		}
		return wire.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctxTimeout, touchSQL, m.ConversationID, m.CreatedAt); err != nil {
		return wire.Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(ctxTimeout); err != nil {
		return wire.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return saved, nil
}

// ConversationMessages returns every message of the conversation in insertion order.
func (r *PostgresMessageStore) ConversationMessages(ctx context.Context, conversationID string) ([]wire.Message, error) {
	if r.pool == nil {
		return nil, errors.New("db pool is nil")
	}

	const querySQL = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctxTimeout, querySQL, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	result := make([]wire.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func (r *PostgresMessageStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if r.pool == nil {
		return 0, errors.New("db pool is nil")
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var n int64
	err := r.pool.QueryRow(ctxTimeout, `SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND is_read = FALSE`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(n), nil
}

func (r *PostgresMessageStore) MarkRead(ctx context.Context, messageID, readerID string) (wire.Message, bool, error) {
	if r.pool == nil {
		return wire.Message{}, false, errors.New("db pool is nil")
	}

	const updateSQL = `
		UPDATE messages SET is_read = TRUE
		WHERE id = $1 AND receiver_id = $2 AND is_read = FALSE
		RETURNING ` + messageColumns

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := scanMessage(r.pool.QueryRow(ctxTimeout, updateSQL, messageID, readerID))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wire.Message{}, false, fmt.Errorf("mark message read: %w", err)
	}

	// Nothing updated: the message is missing, addressed to someone else, or already read.
	m, err = scanMessage(r.pool.QueryRow(ctxTimeout, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return wire.Message{}, false, ErrMessageNotFound
	}
	if err != nil {
		return wire.Message{}, false, fmt.Errorf("get message: %w", err)
	}
	if m.ReceiverID != readerID {
		return wire.Message{}, false, ErrNotParticipant
	}
	return m, false, nil
}

// UpdateLastSeen records the user's last disconnect time.
func (r *PostgresMessageStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	if r.pool == nil {
		return errors.New("db pool is nil")
	}

	const upsertSQL = `
		INSERT INTO users (id, last_seen_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctxTimeout, upsertSQL, userID, at); err != nil {
		return fmt.Errorf("update last_seen_at: %w", err)
	}
	return nil
}

// UserEmail returns the user's email, or "" when none is known.
func (r *PostgresMessageStore) UserEmail(ctx context.Context, userID string) (string, error) {
	if r.pool == nil {
		return "", errors.New("db pool is nil")
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var email *string
	err := r.pool.QueryRow(ctxTimeout, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user email: %w", err)
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}
