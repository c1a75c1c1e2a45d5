package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/protocol"
	"chat-realtime/internal/ratelimit"
	"chat-realtime/internal/services"
)

// Options tunes socket behaviour.
type Options struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	SendRule        ratelimit.Rule
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 32 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// MessageSender persists and distributes messages.
type MessageSender interface {
	Send(ctx context.Context, in services.SendInput) (models.Message, bool, error)
}

// SignalRelay handles typing and read receipts.
type SignalRelay interface {
	Typing(ctx context.Context, chatID, userID int64, isTyping bool) error
	MarkRead(ctx context.Context, chatID, userID, upTo int64) (models.Member, bool, error)
}

// MembershipChecker gates room subscription.
type MembershipChecker interface {
	Require(ctx context.Context, chatID, userID int64) error
}

// Limiter throttles client events per user.
type Limiter interface {
	Allow(ctx context.Context, userID int64, rule ratelimit.Rule) bool
}

// Handler serves the real-time socket endpoint.
type Handler struct {
	hub        *Hub
	verifier   auth.Verifier
	membership MembershipChecker
	pipeline   MessageSender
	signals    SignalRelay
	limiter    Limiter
	dispatcher *Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
}

// NewHandler constructs a Handler and registers the client event handlers.
func NewHandler(hub *Hub, verifier auth.Verifier, membership MembershipChecker, pipeline MessageSender, signals SignalRelay, limiter Limiter, opts Options) *Handler {
	if limiter == nil {
		limiter = (*ratelimit.Limiter)(nil)
	}
	h := &Handler{
		hub:        hub,
		verifier:   verifier,
		membership: membership,
		pipeline:   pipeline,
		signals:    signals,
		limiter:    limiter,
		dispatcher: NewDispatcher(),
		opts:       opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.dispatcher.Register(protocol.EventJoinChat, h.onJoinChat)
	h.dispatcher.Register(protocol.EventSendMessage, h.onSendMessage)
	h.dispatcher.Register(protocol.EventMarkRead, h.onMarkRead)
	h.dispatcher.Register(protocol.EventTyping, h.onTyping)
	return h
}

// Handle authenticates the request, upgrades it and runs the connection.
// No socket is opened for an unauthenticated request.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	userID, err := h.verifier.Verify(ctx, auth.TokenFromRequest(c.Request))
	switch {
	case errors.Is(err, auth.ErrUserInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
		return
	case errors.Is(err, auth.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	case err != nil:
		logger.Error("ws: identity check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity check unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("ws: upgrade failed", zap.Error(err))
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	// the request context ends when Handle returns; the socket outlives it
	connCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())
	client := newClient(connCtx, conn, info, h.opts.SendBuffer)
	h.hub.Register(client)

	observability.IncWSActive(wsKind)
	publishWSEvent(connCtx, "ws_connect", info, "")
	logger.Debug("ws connected", zap.String("conn_id", info.ConnID), zap.Int64("user_id", userID))

	go client.writePump(h.opts.PingInterval, h.opts.WriteTimeout)
	go h.readLoop(client)
}

func (h *Handler) readLoop(c *Client) {
	defer func() {
		c.Close("read loop ended")
		h.hub.Unregister(c)
		observability.DecWSActive(wsKind)
		publishWSEvent(context.Background(), "ws_disconnect", c.Info, c.reason())
		logger.Debug("ws disconnected", zap.String("conn_id", c.Info.ConnID), zap.String("reason", c.reason()))
	}()

	conn := c.conn
	conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		h.hub.Touch(c.Info.ConnID)
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.Context().Err() == nil {
				publishWSEvent(context.Background(), "ws_error", c.Info, err.Error())
			}
			c.Close(err.Error())
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		h.hub.Touch(c.Info.ConnID)
		h.dispatcher.Dispatch(c, data)
	}
}

func (h *Handler) onJoinChat(ctx context.Context, c *Client, msg interface{}) {
	m := msg.(protocol.JoinChat)
	if err := h.membership.Require(ctx, m.ChatID, c.Info.UserID); err != nil {
		h.fail(c, m.ChatID, err)
		return
	}
	h.hub.Join(m.ChatID, c)
	reply(c, protocol.EventJoinedChat, protocol.JoinedChat{ChatID: m.ChatID})
}

func (h *Handler) onSendMessage(ctx context.Context, c *Client, msg interface{}) {
	m := msg.(protocol.SendMessage)
	if !h.limiter.Allow(ctx, c.Info.UserID, h.opts.SendRule) {
		observability.IncRateLimited(protocol.EventSendMessage)
		sendError(c, protocol.CodeRateLimited, "too many messages", m.ChatID)
		return
	}
	stored, created, err := h.pipeline.Send(ctx, services.SendInput{
		ChatID:          m.ChatID,
		SenderID:        c.Info.UserID,
		Content:         m.Content,
		Attachment:      m.Attachment,
		ClientMessageID: m.ClientMessageID,
	})
	if err != nil {
		h.fail(c, m.ChatID, err)
		return
	}
	if !created {
		// retried send: the original was already pushed, echo it to this socket only
		reply(c, protocol.EventNewMessage, stored)
	}
}

func (h *Handler) onMarkRead(ctx context.Context, c *Client, msg interface{}) {
	m := msg.(protocol.MarkRead)
	if _, _, err := h.signals.MarkRead(ctx, m.ChatID, c.Info.UserID, m.OrderKey); err != nil {
		h.fail(c, m.ChatID, err)
	}
}

func (h *Handler) onTyping(ctx context.Context, c *Client, msg interface{}) {
	m := msg.(protocol.Typing)
	if !h.limiter.Allow(ctx, c.Info.UserID, ratelimit.TypingRule) {
		observability.IncRateLimited(protocol.EventTyping)
		return
	}
	if err := h.signals.Typing(ctx, m.ChatID, c.Info.UserID, m.IsTyping); err != nil {
		h.fail(c, m.ChatID, err)
	}
}

// fail reports err to the client as an error event; the connection stays open.
func (h *Handler) fail(c *Client, chatID int64, err error) {
	code := errorCode(err)
	reason := err.Error()
	if code == protocol.CodePersistFailure || code == protocol.CodeInternal {
		logger.Warn("ws: event failed", zap.String("conn_id", c.Info.ConnID), zap.Int64("chat_id", chatID), zap.Error(err))
		reason = "request could not be completed"
		if code == protocol.CodePersistFailure {
			reason = "message could not be stored"
		}
	}
	sendError(c, code, reason, chatID)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, services.ErrInvalidMessage):
		return protocol.CodeInvalidPayload
	case errors.Is(err, services.ErrChatNotFound):
		return protocol.CodeChatNotFound
	case errors.Is(err, services.ErrPersistFailure):
		return protocol.CodePersistFailure
	default:
		return protocol.CodeInternal
	}
}
