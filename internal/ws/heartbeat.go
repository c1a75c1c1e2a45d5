package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/presence"
)

// StartHeartbeat sweeps the presence registry every interval and closes the
// connections that have shown no activity for longer than timeout. It returns
// immediately; the sweep stops when ctx is done.
func StartHeartbeat(ctx context.Context, hub *Hub, registry *presence.Registry, interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(hub, registry, timeout)
			}
		}
	}()
}

func sweep(hub *Hub, registry *presence.Registry, timeout time.Duration) {
	for _, connID := range registry.Expired(timeout) {
		logger.Info("closing connection after liveness timeout", zap.String("conn_id", connID), zap.Duration("timeout", timeout))
		hub.CloseConn(connID, "liveness timeout")
	}
}
