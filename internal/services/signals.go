package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/protocol"
)

// Signals relays ephemeral state: typing indicators and read receipts.
// Typing is never stored; read receipts ride on the persisted watermark.
type Signals struct {
	membership *Membership
	fanout     Fanout
}

func NewSignals(membership *Membership, fanout Fanout) *Signals {
	return &Signals{membership: membership, fanout: fanout}
}

// Typing pushes user-typing to the other members' connections joined to the
// chat. Recipients come from the store, so a member removed after joining the
// room stops receiving it.
func (s *Signals) Typing(ctx context.Context, chatID, userID int64, isTyping bool) error {
	if err := s.membership.Require(ctx, chatID, userID); err != nil {
		return err
	}
	members, err := s.membership.Members(ctx, chatID)
	if err != nil {
		return err
	}
	payload, err := protocol.Encode(protocol.EventUserTyping, protocol.UserTyping{
		UserID:   userID,
		ChatID:   chatID,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	s.fanout.PushToRoom(ctx, chatID, without(members, userID), protocol.EventUserTyping, payload)
	return nil
}

// MarkRead advances the user's watermark to upTo (upTo <= 0 means the
// latest message) and tells the other members when it moved.
func (s *Signals) MarkRead(ctx context.Context, chatID, userID, upTo int64) (models.Member, bool, error) {
	ctx, span := otel.Tracer("chat-realtime/services").Start(ctx, "signals.mark_read")
	defer span.End()

	member, advanced, err := s.membership.AdvanceWatermark(ctx, chatID, userID, upTo)
	if err != nil {
		return models.Member{}, false, err
	}
	if !advanced {
		return member, false, nil
	}
	ctx = context.WithoutCancel(ctx)

	payload, err := protocol.Encode(protocol.EventMessagesRead, protocol.MessagesRead{
		ChatID:   chatID,
		UserID:   userID,
		OrderKey: member.LastReadOrderKey,
	})
	if err != nil {
		return member, true, err
	}

	members, err := s.membership.Members(ctx, chatID)
	if err != nil {
		logger.Warn("messages-read fan-out skipped", zap.Int64("chat_id", chatID), zap.Error(err))
		return member, true, nil
	}
	s.fanout.PushToUsers(ctx, without(members, userID), protocol.EventMessagesRead, payload)
	return member, true, nil
}

func without(ids []int64, skip int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
