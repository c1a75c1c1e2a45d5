package models

import "time"

// Chat types.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// Chat is a direct or group conversation. LastOrderKey is the highest order
// key handed out for the chat; LastActivityAt only moves forward.
type Chat struct {
	ID             int64     `db:"id" json:"id"`
	Type           string    `db:"type" json:"type"`
	Name           string    `db:"name" json:"name,omitempty"`
	LastOrderKey   int64     `db:"last_order_key" json:"lastOrderKey"`
	LastActivityAt time.Time `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// ChatSummary provides the chat-list view of a chat for one member.
type ChatSummary struct {
	Chat
	LastReadOrderKey int64   `db:"last_read_order_key" json:"lastReadOrderKey"`
	UnreadCount      int64   `db:"unread_count" json:"unreadCount"`
	MemberIDs        []int64 `db:"-" json:"memberIds"`
}

// Member is one (chat, user) membership with its read watermark.
type Member struct {
	ChatID           int64      `db:"chat_id" json:"chatId"`
	UserID           int64      `db:"user_id" json:"userId"`
	LastReadOrderKey int64      `db:"last_read_order_key" json:"lastReadOrderKey"`
	LastReadAt       *time.Time `db:"last_read_at" json:"lastReadAt,omitempty"`
	JoinedAt         time.Time  `db:"joined_at" json:"joinedAt"`
}
