package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/protocol"
)

var (
	// ErrRejected is returned by Run when the server refuses the handshake.
	ErrRejected = errors.New("client: handshake rejected")
	// ErrNotConnected is returned by writes while the socket is down.
	ErrNotConnected = errors.New("client: not connected")
)

// Config configures a Session.
type Config struct {
	// SocketURL is the ws:// or wss:// address of the socket endpoint.
	SocketURL string
	Token     string
	Dialer    *websocket.Dialer
	// NewBackOff builds the reconnect policy. Defaults to exponential backoff
	// without an elapsed-time cap.
	NewBackOff   func() backoff.BackOff
	WriteTimeout time.Duration
	// PollInterval, when positive, re-reads every subscribed chat from the API
	// on that period while connected, picking up a dropped newest push.
	PollInterval time.Duration
	// OnEvent, when set, receives every decoded server event after the
	// session has applied it to its views.
	OnEvent func(event string, payload interface{})
}

// Session owns one socket to the server and the set of open chat views. It
// reconnects after network loss and re-subscribes every open view.
type Session struct {
	cfg Config
	api *APIClient

	mu    sync.Mutex
	conn  *websocket.Conn
	views map[int64]*View

	writeMu sync.Mutex
}

// NewSession builds a session. Call Run to connect.
func NewSession(cfg Config, api *APIClient) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Session{cfg: cfg, api: api, views: make(map[int64]*View)}
}

// Run connects and serves the socket until ctx is done or the server
// rejects the credentials. Lost connections are re-dialed with backoff.
func (s *Session) Run(ctx context.Context) error {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return err
		}

		s.setConn(conn)
		s.resubscribe()
		pollCtx, stopPoll := context.WithCancel(ctx)
		if s.cfg.PollInterval > 0 {
			go s.poll(pollCtx)
		}
		err = s.readLoop(ctx, conn)
		stopPoll()
		s.setConn(nil)
		_ = conn.Close()
		s.connectionLost()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("socket lost, reconnecting", zap.Error(err))
	}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(s.cfg.SocketURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := target.Query()
	q.Set("token", s.cfg.Token)
	target.RawQuery = q.Encode()

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := s.cfg.Dialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("socket dial failed", zap.Error(err), zap.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		event, payload, err := protocol.ParseServerEvent(data)
		if err != nil {
			logger.Warn("dropping server frame", zap.String("event", event), zap.Error(err))
			continue
		}
		s.apply(ctx, payload)
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(event, payload)
		}
	}
}

func (s *Session) apply(ctx context.Context, payload interface{}) {
	switch m := payload.(type) {
	case protocol.JoinedChat:
		view := s.View(m.ChatID)
		if view == nil {
			return
		}
		view.Subscribed()
		s.refetch(ctx, view)
	case models.Message:
		view := s.View(m.ChatID)
		if view == nil {
			return
		}
		// order keys are dense, so a jump means a push was lost
		if last := view.LastOrderKey(); m.OrderKey > last+1 {
			s.catchUp(ctx, view, last)
		}
		view.OnPush(m)
	case protocol.MessagesRead:
		if view := s.View(m.ChatID); view != nil {
			view.ApplyReadReceipt(m.UserID, m.OrderKey)
		}
	case protocol.ErrorEvent:
		if m.Code == protocol.CodeNotAMember && m.ChatID > 0 {
			if view := s.View(m.ChatID); view != nil {
				view.ConnectionLost()
			}
		}
	}
}

// refetch pulls the full history so anything missed while the socket was
// down is merged into the view.
func (s *Session) refetch(ctx context.Context, view *View) {
	if s.api == nil {
		return
	}
	msgs, err := s.api.FetchMessages(ctx, view.ChatID, 0)
	if err != nil {
		logger.Warn("refetch after join failed", zap.Int64("chat_id", view.ChatID), zap.Error(err))
		return
	}
	view.OnAPIFetch(msgs)
}

// catchUp merges everything the API holds above after.
func (s *Session) catchUp(ctx context.Context, view *View, after int64) {
	if s.api == nil {
		return
	}
	msgs, err := s.api.FetchMessages(ctx, view.ChatID, after)
	if err != nil {
		logger.Warn("gap fetch failed", zap.Int64("chat_id", view.ChatID), zap.Int64("after", after), zap.Error(err))
		return
	}
	view.OnAPIFetch(msgs)
}

func (s *Session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, view := range s.openViews() {
				if view.State() == StateSubscribed {
					s.catchUp(ctx, view, view.LastOrderKey())
				}
			}
		}
	}
}

func (s *Session) openViews() []*View {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	return views
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) resubscribe() {
	for _, v := range s.openViews() {
		v.Subscribing()
		if err := s.write(protocol.EventJoinChat, protocol.JoinChat{ChatID: v.ChatID}); err != nil {
			logger.Warn("re-join failed", zap.Int64("chat_id", v.ChatID), zap.Error(err))
		}
	}
}

func (s *Session) connectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.views {
		v.ConnectionLost()
	}
}

// Open returns the view for chatID, creating it and joining the chat if it
// is not open yet. While disconnected the join is sent on reconnect.
func (s *Session) Open(chatID int64) *View {
	s.mu.Lock()
	view, ok := s.views[chatID]
	if !ok {
		view = NewView(chatID)
		s.views[chatID] = view
	}
	connected := s.conn != nil
	s.mu.Unlock()

	if !ok && connected {
		view.Subscribing()
		if err := s.write(protocol.EventJoinChat, protocol.JoinChat{ChatID: chatID}); err != nil {
			logger.Warn("join failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
	return view
}

// Close forgets the view for chatID. Pushes for it are ignored afterwards.
func (s *Session) Close(chatID int64) {
	s.mu.Lock()
	delete(s.views, chatID)
	s.mu.Unlock()
}

func (s *Session) View(chatID int64) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[chatID]
}

// Send submits a message and returns the client message id it was tagged
// with. Pass that id to Resend to retry without creating a duplicate.
func (s *Session) Send(chatID int64, content string, attachment *string) (string, error) {
	id := uuid.NewString()
	return id, s.Resend(chatID, id, content, attachment)
}

func (s *Session) Resend(chatID int64, clientMessageID, content string, attachment *string) error {
	return s.write(protocol.EventSendMessage, protocol.SendMessage{
		ChatID:          chatID,
		Content:         content,
		Attachment:      attachment,
		ClientMessageID: &clientMessageID,
	})
}

func (s *Session) Typing(chatID int64, isTyping bool) error {
	return s.write(protocol.EventTyping, protocol.Typing{ChatID: chatID, IsTyping: isTyping})
}

// MarkRead advances the read watermark; orderKey 0 means the chat's latest.
func (s *Session) MarkRead(chatID, orderKey int64) error {
	return s.write(protocol.EventMarkRead, protocol.MarkRead{ChatID: chatID, OrderKey: orderKey})
}

func (s *Session) write(event string, payload interface{}) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
