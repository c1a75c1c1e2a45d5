package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrNotMember = errors.New("not a chat member")

// MemberRepository reads chat membership and maintains read watermarks.
type MemberRepository interface {
	IsMember(ctx context.Context, chatID int64, userID int64) (bool, error)
	ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error)
	GetMember(ctx context.Context, chatID int64, userID int64) (models.Member, error)
	AdvanceWatermark(ctx context.Context, chatID int64, userID int64, orderKey int64) (models.Member, bool, error)
}

// MemberRepo is a sqlx implementation of MemberRepository.
type MemberRepo struct {
	db *sqlx.DB
}

// NewMemberRepo constructs a MemberRepo.
func NewMemberRepo(db *sqlx.DB) *MemberRepo {
	return &MemberRepo{db: db}
}

// IsMember checks membership.
func (r *MemberRepo) IsMember(ctx context.Context, chatID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// ListMemberIDs returns the user ids of every member of the chat.
func (r *MemberRepo) ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM chat_members WHERE chat_id=$1 ORDER BY user_id`, chatID)
	return ids, err
}

// GetMember fetches a membership row.
func (r *MemberRepo) GetMember(ctx context.Context, chatID int64, userID int64) (models.Member, error) {
	var member models.Member
	err := r.db.GetContext(ctx, &member, `SELECT chat_id, user_id, last_read_order_key, last_read_at, joined_at
        FROM chat_members WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, ErrNotMember
	}
	return member, err
}

// AdvanceWatermark moves the member's watermark up to orderKey, or to the
// chat's latest order key when orderKey <= 0. The target is clamped to the
// chat's last order key. A target at or below the stored watermark leaves the
// row untouched and reports advanced=false.
func (r *MemberRepo) AdvanceWatermark(ctx context.Context, chatID int64, userID int64, orderKey int64) (models.Member, bool, error) {
	query := `WITH target AS (
            SELECT CASE WHEN $3::bigint <= 0 THEN c.last_order_key ELSE LEAST($3::bigint, c.last_order_key) END AS key
            FROM chats c WHERE c.id = $1
        )
        UPDATE chat_members cm
        SET last_read_order_key = target.key, last_read_at = NOW()
        FROM target
        WHERE cm.chat_id = $1 AND cm.user_id = $2 AND target.key > cm.last_read_order_key
        RETURNING cm.chat_id, cm.user_id, cm.last_read_order_key, cm.last_read_at, cm.joined_at`

	var member models.Member
	err := r.db.QueryRowxContext(ctx, query, chatID, userID, orderKey).StructScan(&member)
	if err == nil {
		return member, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, false, err
	}

	member, err = r.GetMember(ctx, chatID, userID)
	if err != nil {
		return models.Member{}, false, err
	}
	return member, false, nil
}
