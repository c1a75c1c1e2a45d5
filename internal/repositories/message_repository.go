package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NewMessage is the input for CreateMessage.
type NewMessage struct {
	ChatID          int64
	SenderID        int64
	Content         string
	Attachment      *string
	ClientMessageID *string
}

// MessageQuery selects a page of history. With BeforeOrderKey set the page
// holds the newest messages below it; otherwise the oldest above AfterOrderKey.
type MessageQuery struct {
	AfterOrderKey  int64
	BeforeOrderKey int64
	Limit          int
}

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, in NewMessage) (models.Message, bool, error)
	ListMessages(ctx context.Context, chatID int64, q MessageQuery) (models.MessagePage, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.attachment, m.order_key, m.client_message_id, m.created_at,
    EXISTS(SELECT 1 FROM chat_members cm
           WHERE cm.chat_id = m.chat_id AND cm.user_id <> m.sender_id AND cm.last_read_order_key >= m.order_key) AS read`

// CreateMessage stores a message under the chat row lock, so the order key is
// the chat's previous key plus one and concurrent senders serialize on the
// chat. The activity marker moves to the message's creation time in the same
// transaction. A repeated (chat, sender, client message id) returns the stored
// message with created=false.
func (r *MessageRepo) CreateMessage(ctx context.Context, in NewMessage) (models.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	var lastOrderKey int64
	err = tx.GetContext(ctx, &lastOrderKey, `SELECT last_order_key FROM chats WHERE id=$1 FOR UPDATE`, in.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, ErrChatNotFound
	}
	if err != nil {
		return models.Message{}, false, err
	}

	if in.ClientMessageID != nil {
		var existing models.Message
		err = tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages m
            WHERE m.chat_id=$1 AND m.sender_id=$2 AND m.client_message_id=$3`, in.ChatID, in.SenderID, *in.ClientMessageID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, false, err
		}
	}

	var msg models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, content, attachment, order_key, client_message_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        RETURNING id, chat_id, sender_id, content, attachment, order_key, client_message_id, created_at`,
		in.ChatID, in.SenderID, in.Content, in.Attachment, lastOrderKey+1, in.ClientMessageID).StructScan(&msg)
	if err != nil {
		return models.Message{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE chats SET last_order_key=$2, last_activity_at=GREATEST(last_activity_at, $3) WHERE id=$1`,
		in.ChatID, msg.OrderKey, msg.CreatedAt); err != nil {
		return models.Message{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// ListMessages returns one page of a chat's messages in ascending order key.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int64, q MessageQuery) (models.MessagePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var msgs []models.Message
	var err error
	if q.BeforeOrderKey > 0 {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages m
            WHERE m.chat_id=$1 AND m.order_key < $2 ORDER BY m.order_key DESC LIMIT $3`, chatID, q.BeforeOrderKey, limit+1)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages m
            WHERE m.chat_id=$1 AND m.order_key > $2 ORDER BY m.order_key ASC LIMIT $3`, chatID, q.AfterOrderKey, limit+1)
	}
	if err != nil {
		return models.MessagePage{}, err
	}

	page := models.MessagePage{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	if q.BeforeOrderKey > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	page.Messages = msgs
	return page, nil
}
