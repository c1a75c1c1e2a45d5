package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/protocol"
	"chat-realtime/internal/repositories"
)

const (
	MaxContentRunes       = 4000
	MaxAttachmentBytes    = 2048
	MaxClientMessageIDLen = 128
)

var attachmentSchemes = []string{"https://", "http://", "media:"}

// SendInput is a message as submitted by a client over either transport.
type SendInput struct {
	ChatID          int64
	SenderID        int64
	Content         string
	Attachment      *string
	ClientMessageID *string
}

// Pipeline validates, persists and distributes messages.
type Pipeline struct {
	membership *Membership
	messages   repositories.MessageRepository
	fanout     Fanout
}

func NewPipeline(membership *Membership, messages repositories.MessageRepository, fanout Fanout) *Pipeline {
	return &Pipeline{membership: membership, messages: messages, fanout: fanout}
}

// Send stores the message and pushes it to every live connection of every
// member of the chat, the sender's own connections included. Nothing is pushed
// unless the store accepted the message. A retry carrying an already used
// client message id returns the stored message with created=false and is not
// pushed again.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (models.Message, bool, error) {
	ctx, span := otel.Tracer("chat-realtime/services").Start(ctx, "pipeline.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", in.ChatID), attribute.Int64("user.id", in.SenderID))

	in, err := normalize(in)
	if err != nil {
		return models.Message{}, false, err
	}
	if err := p.membership.Require(ctx, in.ChatID, in.SenderID); err != nil {
		return models.Message{}, false, err
	}

	start := time.Now()
	msg, created, err := p.messages.CreateMessage(ctx, repositories.NewMessage{
		ChatID:          in.ChatID,
		SenderID:        in.SenderID,
		Content:         in.Content,
		Attachment:      in.Attachment,
		ClientMessageID: in.ClientMessageID,
	})
	if err != nil {
		observability.ObserveMessagePersist("failed", time.Since(start))
		span.RecordError(err)
		if errors.Is(err, repositories.ErrChatNotFound) {
			return models.Message{}, false, ErrChatNotFound
		}
		logger.Error("message persist failed", zap.Int64("chat_id", in.ChatID), zap.Int64("sender_id", in.SenderID), zap.Error(err))
		return models.Message{}, false, fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	if !created {
		observability.ObserveMessagePersist("replayed", time.Since(start))
		return msg, false, nil
	}
	observability.ObserveMessagePersist("created", time.Since(start))

	// committed: the sender going away must not cancel delivery
	p.distribute(context.WithoutCancel(ctx), msg)
	return msg, true, nil
}

func (p *Pipeline) distribute(ctx context.Context, msg models.Message) {
	payload, err := protocol.Encode(protocol.EventNewMessage, msg)
	if err != nil {
		logger.Error("encode new-message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}

	members, err := p.membership.Members(ctx, msg.ChatID)
	if err != nil {
		logger.Warn("fan-out skipped, member lookup failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	} else {
		p.fanout.PushToUsers(ctx, members, protocol.EventNewMessage, payload)
	}

	headers := observability.BuildHeaders("", observability.TraceIDFromContext(ctx))
	if err := observability.PublishEvent(ctx, observability.RoutingMessageCreated, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message_id": msg.ID,
			"chat_id":    msg.ChatID,
			"sender_id":  msg.SenderID,
			"order_key":  msg.OrderKey,
			"member_ids": members,
			"created_at": msg.CreatedAt,
		},
	}, headers); err != nil {
		logger.Warn("message_created publish failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

func normalize(in SendInput) (SendInput, error) {
	if in.ChatID <= 0 {
		return in, fmt.Errorf("%w: chat id required", ErrInvalidMessage)
	}
	if !utf8.ValidString(in.Content) {
		return in, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return in, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentRunes)
	}

	if in.Attachment != nil {
		ref := strings.TrimSpace(*in.Attachment)
		switch {
		case ref == "":
			in.Attachment = nil
		case len(ref) > MaxAttachmentBytes:
			return in, fmt.Errorf("%w: attachment reference too long", ErrInvalidMessage)
		case !hasAttachmentScheme(ref):
			return in, fmt.Errorf("%w: unsupported attachment reference", ErrInvalidMessage)
		default:
			in.Attachment = &ref
		}
	}
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return in, fmt.Errorf("%w: content or attachment required", ErrInvalidMessage)
	}

	if in.ClientMessageID != nil {
		id := strings.TrimSpace(*in.ClientMessageID)
		switch {
		case id == "":
			in.ClientMessageID = nil
		case len(id) > MaxClientMessageIDLen:
			return in, fmt.Errorf("%w: client message id too long", ErrInvalidMessage)
		default:
			in.ClientMessageID = &id
		}
	}
	return in, nil
}

func hasAttachmentScheme(ref string) bool {
	lower := strings.ToLower(ref)
	for _, scheme := range attachmentSchemes {
		if strings.HasPrefix(lower, scheme) && len(ref) > len(scheme) {
			return true
		}
	}
	return false
}
