package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	routingKey string
	event      any
	headers    map[string]string
	err        error
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.routingKey = routingKey
	p.event = event
	p.headers = headers
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, "audit.logs", "chat-realtime", "test")
	userID := "7"

	emitter.Emit(context.Background(), "info", "chat created", "req-1", &userID)

	require.Equal(t, "audit.logs", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "chat-realtime", envelope.Service)
	assert.Equal(t, "req-1", envelope.RequestID)
	assert.Equal(t, &userID, envelope.UserID)
	assert.Equal(t, "chat created", envelope.Payload.Text)
	assert.Equal(t, "req-1", pub.headers["x-request-id"])
}

func TestAuditEmitterSwallowsPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	emitter := NewAuditEmitter(pub, "audit.logs", "chat-realtime", "test")

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "warn", "denied", "", nil)
	})

	var nilEmitter *AuditEmitter
	assert.NotPanics(t, func() {
		nilEmitter.Emit(context.Background(), "warn", "denied", "", nil)
	})
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "chat-realtime", "test", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
