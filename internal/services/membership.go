package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
)

// Membership answers who belongs to a chat and owns the read watermarks.
// Every call goes to the store so revoked access takes effect immediately.
type Membership struct {
	members repositories.MemberRepository
	audit   *telemetry.AuditEmitter
}

func NewMembership(members repositories.MemberRepository, audit *telemetry.AuditEmitter) *Membership {
	return &Membership{members: members, audit: audit}
}

func (m *Membership) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	ok, err := m.members.IsMember(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return ok, nil
}

// Require returns ErrNotAMember unless userID belongs to chatID.
func (m *Membership) Require(ctx context.Context, chatID, userID int64) error {
	ok, err := m.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		uid := strconv.FormatInt(userID, 10)
		m.audit.Emit(ctx, "warn", fmt.Sprintf("membership denied chat_id=%d", chatID), "", &uid)
		return ErrNotAMember
	}
	return nil
}

func (m *Membership) Members(ctx context.Context, chatID int64) ([]int64, error) {
	ids, err := m.members.ListMemberIDs(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return ids, nil
}

func (m *Membership) Watermark(ctx context.Context, chatID, userID int64) (int64, error) {
	member, err := m.members.GetMember(ctx, chatID, userID)
	if errors.Is(err, repositories.ErrNotMember) {
		return 0, ErrNotAMember
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return member.LastReadOrderKey, nil
}

// AdvanceWatermark moves the user's watermark forward. Keys at or below the
// current watermark are accepted and leave it unchanged (advanced=false).
func (m *Membership) AdvanceWatermark(ctx context.Context, chatID, userID, orderKey int64) (models.Member, bool, error) {
	member, advanced, err := m.members.AdvanceWatermark(ctx, chatID, userID, orderKey)
	if errors.Is(err, repositories.ErrNotMember) {
		return models.Member{}, false, ErrNotAMember
	}
	if err != nil {
		return models.Member{}, false, fmt.Errorf("advance watermark: %w", err)
	}
	return member, advanced, nil
}
