package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-realtime/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrSelfChat     = errors.New("cannot create chat with self")
)

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateDirectChat(ctx context.Context, userID int64, peerID int64) (models.Chat, error)
	CreateGroupChat(ctx context.Context, ownerID int64, name string, memberIDs []int64) (models.Chat, error)
	GetChat(ctx context.Context, chatID int64) (models.Chat, error)
	ListChatsForUser(ctx context.Context, userID int64) ([]models.ChatSummary, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `c.id, c.type, c.name, c.last_order_key, c.last_activity_at, c.created_at`

// CreateDirectChat creates the direct chat between two users if it does not already exist.
func (r *ChatRepo) CreateDirectChat(ctx context.Context, userID int64, peerID int64) (models.Chat, error) {
	if userID == peerID {
		return models.Chat{}, ErrSelfChat
	}
	participants := []int64{userID, peerID}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })
	directKey := fmt.Sprintf("%d:%d", participants[0], participants[1])

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO chats (type, direct_key) VALUES ('direct', $1) ON CONFLICT (direct_key) DO NOTHING`, directKey); err != nil {
		return models.Chat{}, err
	}

	var chat models.Chat
	if err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats c WHERE c.direct_key=$1`, directKey); err != nil {
		return models.Chat{}, err
	}

	for _, id := range participants {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// CreateGroupChat creates a group chat and its members atomically.
func (r *ChatRepo) CreateGroupChat(ctx context.Context, ownerID int64, name string, memberIDs []int64) (models.Chat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var chat models.Chat
	if err = tx.QueryRowxContext(ctx, `INSERT INTO chats (type, name) VALUES ('group', $1)
        RETURNING id, type, name, last_order_key, last_activity_at, created_at`, name).StructScan(&chat); err != nil {
		return models.Chat{}, err
	}

	// owner is always a member; members are deduplicated
	for _, id := range uniqueIDs(append([]int64{ownerID}, memberIDs...)) {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int64) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats c WHERE c.id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// ListChatsForUser returns the user's chats, most recently active first, with
// the number of messages from other members above the user's watermark.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID int64) ([]models.ChatSummary, error) {
	query := `SELECT ` + chatColumns + `, cm.last_read_order_key,
            (SELECT COUNT(*) FROM messages m
             WHERE m.chat_id = c.id AND m.order_key > cm.last_read_order_key AND m.sender_id <> $1) AS unread_count
        FROM chats c
        INNER JOIN chat_members cm ON cm.chat_id = c.id AND cm.user_id = $1
        ORDER BY c.last_activity_at DESC, c.id DESC`
	var summaries []models.ChatSummary
	if err := r.db.SelectContext(ctx, &summaries, query, userID); err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	chatIDs := make([]int64, 0, len(summaries))
	for _, s := range summaries {
		chatIDs = append(chatIDs, s.ID)
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT chat_id, user_id FROM chat_members WHERE chat_id = ANY($1) ORDER BY chat_id, user_id`, pq.Array(chatIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make(map[int64][]int64, len(summaries))
	for rows.Next() {
		var chatID, memberID int64
		if err := rows.Scan(&chatID, &memberID); err != nil {
			return nil, err
		}
		members[chatID] = append(members[chatID], memberID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range summaries {
		summaries[i].MemberIDs = members[summaries[i].ID]
	}
	return summaries, nil
}

func uniqueIDs(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
