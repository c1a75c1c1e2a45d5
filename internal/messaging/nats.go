// Package messaging relays server pushes between nodes over NATS so that a
// user connected to any node receives events produced on any other.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/services"
)

// SubjectFanout carries every push; each node delivers to its own sockets.
const SubjectFanout = "chat.fanout"

const (
	targetUsers = "users"
	targetRoom  = "room"
)

type frame struct {
	Target  string          `json:"target"`
	UserIDs []int64         `json:"userIds,omitempty"`
	ChatID  int64           `json:"chatId,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSFanout implements services.Fanout across nodes. Pushes are published
// to SubjectFanout and delivered into the local hub by the subscription,
// including on the publishing node.
type NATSFanout struct {
	conn  *nats.Conn
	sub   *nats.Subscription
	local services.Fanout
}

// Connect dials NATS and subscribes local to the fan-out subject.
func Connect(cfg Config, local services.Fanout) (*NATSFanout, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	f := &NATSFanout{conn: nc, local: local}
	f.sub, err = nc.Subscribe(SubjectFanout, func(msg *nats.Msg) {
		f.deliver(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", SubjectFanout, err)
	}
	logger.Info("nats fan-out connected", zap.String("url", nc.ConnectedUrl()))
	return f, nil
}

func (f *NATSFanout) PushToUsers(ctx context.Context, userIDs []int64, event string, payload []byte) {
	if len(userIDs) == 0 {
		return
	}
	f.publish(ctx, frame{Target: targetUsers, UserIDs: userIDs, Event: event, Payload: payload})
}

func (f *NATSFanout) PushToRoom(ctx context.Context, chatID int64, recipients []int64, event string, payload []byte) {
	f.publish(ctx, frame{Target: targetRoom, ChatID: chatID, UserIDs: recipients, Event: event, Payload: payload})
}

// publish falls back to local delivery when the broker is unavailable, so
// users on this node are still served.
func (f *NATSFanout) publish(ctx context.Context, fr frame) {
	data, err := json.Marshal(fr)
	if err == nil {
		err = f.conn.Publish(SubjectFanout, data)
	}
	if err != nil {
		logger.Warn("nats publish failed, delivering locally", zap.String("event", fr.Event), zap.Error(err))
		f.route(ctx, fr)
	}
}

func (f *NATSFanout) deliver(data []byte) {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		logger.Warn("nats fan-out frame dropped", zap.Error(err))
		return
	}
	f.route(context.Background(), fr)
}

func (f *NATSFanout) route(ctx context.Context, fr frame) {
	switch fr.Target {
	case targetUsers:
		f.local.PushToUsers(ctx, fr.UserIDs, fr.Event, fr.Payload)
	case targetRoom:
		f.local.PushToRoom(ctx, fr.ChatID, fr.UserIDs, fr.Event, fr.Payload)
	default:
		logger.Warn("nats fan-out unknown target", zap.String("target", fr.Target))
	}
}

// Close drains the subscription and closes the connection.
func (f *NATSFanout) Close() error {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.conn != nil {
		return f.conn.Drain()
	}
	return nil
}
