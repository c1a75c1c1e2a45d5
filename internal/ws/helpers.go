package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/observability"
)

const wsKind = "socket"

func newConnID() string {
	return uuid.NewString()
}

// publishWSEvent emits a ws_events envelope for a connection lifecycle change.
func publishWSEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	duration := int64(0)
	if name != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	observability.IncWSEvent(wsKind, name)
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := observability.PublishEvent(ctx, observability.RoutingWSConnections, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}, headers); err != nil {
		logger.Debug("ws event publish failed", zap.String("event", name), zap.String("conn_id", info.ConnID), zap.Error(err))
	}
}
