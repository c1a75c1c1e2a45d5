// Package protocol defines the real-time socket events exchanged between
// clients and the server. Every frame is a JSON envelope
// {"event": "<name>", "data": {...}} with the event name as discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"chat-realtime/internal/models"
)

// Client -> Server events.
const (
	EventJoinChat    = "join-chat"
	EventSendMessage = "send-message"
	EventMarkRead    = "mark-read"
	EventTyping      = "typing"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventJoinedChat   = "joined-chat"
	EventNewMessage   = "new-message"
	EventMessagesRead = "messages-read"
	EventUserTyping   = "user-typing"
	EventError        = "error"
	EventPong         = "pong"
)

// Error codes carried by ErrorEvent.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeNotAMember       = "not_a_member"
	CodePersistFailure   = "persist_failure"
	CodeInvalidPayload   = "invalid_payload"
	CodeRateLimited      = "rate_limited"
	CodeUnsupportedEvent = "unsupported_event"
	CodeChatNotFound     = "chat_not_found"
	CodeInternal         = "internal"
)

var (
	ErrMalformed    = errors.New("protocol: malformed envelope")
	ErrUnknownEvent = errors.New("protocol: unknown event")
	ErrInvalidData  = errors.New("protocol: invalid event data")
)

// Envelope is the outer frame of every event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinChat struct {
	ChatID int64 `json:"chatId"`
}

type SendMessage struct {
	ChatID          int64   `json:"chatId"`
	Content         string  `json:"content"`
	Attachment      *string `json:"attachment,omitempty"`
	ClientMessageID *string `json:"clientMessageId,omitempty"`
}

// MarkRead advances the sender's watermark. A zero OrderKey means the
// latest message in the chat.
type MarkRead struct {
	ChatID   int64 `json:"chatId"`
	OrderKey int64 `json:"orderKey,omitempty"`
}

type Typing struct {
	ChatID   int64 `json:"chatId"`
	IsTyping bool  `json:"isTyping"`
}

type Ping struct{}

type JoinedChat struct {
	ChatID int64 `json:"chatId"`
}

// NewMessage carries the stored message, same shape as the HTTP API.
type NewMessage = models.Message

type MessagesRead struct {
	ChatID   int64 `json:"chatId"`
	UserID   int64 `json:"userId"`
	OrderKey int64 `json:"orderKey"`
}

type UserTyping struct {
	UserID   int64 `json:"userId"`
	ChatID   int64 `json:"chatId"`
	IsTyping bool  `json:"isTyping"`
}

type ErrorEvent struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	ChatID int64  `json:"chatId,omitempty"`
}

type Pong struct{}

// ParseClientEvent decodes a client frame into its typed event and checks
// the fields every handler relies on.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var msg interface{}
	switch env.Event {
	case EventJoinChat:
		var m JoinChat
		err = decode(env, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("%w: chatId required", ErrInvalidData)
		}
		msg = m
	case EventSendMessage:
		var m SendMessage
		err = decode(env, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("%w: chatId required", ErrInvalidData)
		}
		msg = m
	case EventMarkRead:
		var m MarkRead
		err = decode(env, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("%w: chatId required", ErrInvalidData)
		}
		if err == nil && m.OrderKey < 0 {
			err = fmt.Errorf("%w: orderKey must not be negative", ErrInvalidData)
		}
		msg = m
	case EventTyping:
		var m Typing
		err = decode(env, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("%w: chatId required", ErrInvalidData)
		}
		msg = m
	case EventPing:
		msg = Ping{}
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, msg, nil
}

// ParseServerEvent decodes a server frame on the client side.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var msg interface{}
	switch env.Event {
	case EventJoinedChat:
		var m JoinedChat
		err = decode(env, &m)
		msg = m
	case EventNewMessage:
		var m NewMessage
		err = decode(env, &m)
		msg = m
	case EventMessagesRead:
		var m MessagesRead
		err = decode(env, &m)
		msg = m
	case EventUserTyping:
		var m UserTyping
		err = decode(env, &m)
		msg = m
	case EventError:
		var m ErrorEvent
		err = decode(env, &m)
		msg = m
	case EventPong:
		msg = Pong{}
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, msg, nil
}

// Encode builds the JSON frame for event with payload as its data.
func Encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", event, err)
	}
	return out, nil
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

func decode(env Envelope, v interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s requires data", ErrInvalidData, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, env.Event, err)
	}
	return nil
}
