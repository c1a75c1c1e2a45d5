package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	RoutingWSConnections  = "ws_events.connections"
	RoutingMessageCreated = "chat_events.message_created"
	RoutingChatCreated    = "chat_events.chat_created"
	RoutingAuditLogs      = "audit.logs"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// TraceIDFromContext returns the active span's trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
