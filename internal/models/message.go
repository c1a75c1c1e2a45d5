package models

import "time"

// Message is a persisted chat message. ID and OrderKey are assigned by the
// store; Read is derived from the other members' watermarks.
type Message struct {
	ID              int64     `db:"id" json:"id"`
	ChatID          int64     `db:"chat_id" json:"chatId"`
	SenderID        int64     `db:"sender_id" json:"senderId"`
	Content         string    `db:"content" json:"content"`
	Attachment      *string   `db:"attachment" json:"attachment,omitempty"`
	OrderKey        int64     `db:"order_key" json:"orderKey"`
	ClientMessageID *string   `db:"client_message_id" json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	Read            bool      `db:"read" json:"read"`
}

// MessagePage is one page of a chat's history ordered by order key.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}
