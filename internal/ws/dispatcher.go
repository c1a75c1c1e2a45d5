package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/protocol"
)

// EventHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientEvent.
type EventHandler func(ctx context.Context, c *Client, msg interface{})

// Dispatcher routes client frames to registered handlers. Ping is answered
// internally; malformed or unsupported frames get an error event and the
// connection stays open.
type Dispatcher struct {
	handlers map[string]EventHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// Register binds handler to event, replacing any previous one.
func (d *Dispatcher) Register(event string, handler EventHandler) {
	d.handlers[event] = handler
}

// Dispatch runs on the connection's read goroutine, so events from one
// connection are handled in arrival order.
func (d *Dispatcher) Dispatch(c *Client, data []byte) {
	event, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		logger.Debug("ws: dispatch parse error", zap.String("conn_id", c.Info.ConnID), zap.String("event", event), zap.Error(err))
		code := protocol.CodeInvalidPayload
		if errors.Is(err, protocol.ErrUnknownEvent) {
			code = protocol.CodeUnsupportedEvent
		}
		sendError(c, code, err.Error(), 0)
		return
	}

	if event == protocol.EventPing {
		reply(c, protocol.EventPong, protocol.Pong{})
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		sendError(c, protocol.CodeUnsupportedEvent, "unsupported event", 0)
		return
	}
	handler(c.Context(), c, msg)
}

func reply(c *Client, event string, payload interface{}) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		logger.Error("ws: encode reply failed", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.Send(data) {
		logger.Debug("ws: reply dropped", zap.String("event", event), zap.String("conn_id", c.Info.ConnID))
	}
}

func sendError(c *Client, code, reason string, chatID int64) {
	reply(c, protocol.EventError, protocol.ErrorEvent{Code: code, Reason: reason, ChatID: chatID})
}
