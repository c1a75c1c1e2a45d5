package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/models"
	"chat-realtime/internal/protocol"
)

const testToken = "tok"

type serverConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (s *serverConn) send(t *testing.T, event string, payload interface{}) {
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.c.WriteMessage(websocket.TextMessage, frame)
}

// chatServer scripts the socket endpoint and the history API for one chat.
type chatServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	messages   []models.Message
	conns      []*serverConn
	joins      int
	sends      []string
	fetches    int
	rejectWith int
}

func newChatServer(t *testing.T) *chatServer {
	gin.SetMode(gin.TestMode)
	cs := &chatServer{t: t}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		cs.mu.Lock()
		reject := cs.rejectWith
		cs.mu.Unlock()
		if reject != 0 || c.Query("token") != testToken {
			c.Status(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		sc := &serverConn{c: conn}
		cs.mu.Lock()
		cs.conns = append(cs.conns, sc)
		cs.mu.Unlock()
		cs.serve(sc)
	})
	r.GET("/chats/:chat_id/messages", func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+testToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
		limit, _ := strconv.Atoi(c.Query("limit"))

		cs.mu.Lock()
		cs.fetches++
		var page models.MessagePage
		page.Messages = []models.Message{}
		for _, m := range cs.messages {
			if m.OrderKey <= after {
				continue
			}
			if len(page.Messages) == limit {
				page.HasMore = true
				break
			}
			page.Messages = append(page.Messages, m)
		}
		cs.mu.Unlock()
		c.JSON(http.StatusOK, page)
	})

	cs.srv = httptest.NewServer(r)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *chatServer) serve(sc *serverConn) {
	defer sc.c.Close()
	for {
		_, data, err := sc.c.ReadMessage()
		if err != nil {
			return
		}
		_, payload, err := protocol.ParseClientEvent(data)
		if err != nil {
			continue
		}
		switch m := payload.(type) {
		case protocol.JoinChat:
			cs.mu.Lock()
			cs.joins++
			cs.mu.Unlock()
			sc.send(cs.t, protocol.EventJoinedChat, protocol.JoinedChat{ChatID: m.ChatID})
		case protocol.SendMessage:
			msg, created := cs.create(m)
			if created {
				cs.push(msg)
			} else {
				sc.send(cs.t, protocol.EventNewMessage, msg)
			}
		}
	}
}

func (cs *chatServer) create(in protocol.SendMessage) (models.Message, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sends = append(cs.sends, *in.ClientMessageID)
	for _, m := range cs.messages {
		if m.ClientMessageID != nil && *m.ClientMessageID == *in.ClientMessageID {
			return m, false
		}
	}
	n := int64(len(cs.messages) + 1)
	m := models.Message{ID: n, ChatID: in.ChatID, SenderID: 7, Content: in.Content, OrderKey: n, ClientMessageID: in.ClientMessageID}
	cs.messages = append(cs.messages, m)
	return m, true
}

// store persists a message without pushing it.
func (cs *chatServer) store(m models.Message) {
	cs.mu.Lock()
	cs.messages = append(cs.messages, m)
	cs.mu.Unlock()
}

func (cs *chatServer) push(m models.Message) {
	cs.mu.Lock()
	conns := append([]*serverConn(nil), cs.conns...)
	cs.mu.Unlock()
	for _, sc := range conns {
		sc.send(cs.t, protocol.EventNewMessage, m)
	}
}

func (cs *chatServer) dropConnections() {
	cs.mu.Lock()
	conns := cs.conns
	cs.conns = nil
	cs.mu.Unlock()
	for _, sc := range conns {
		_ = sc.c.Close()
	}
}

func (cs *chatServer) joinCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.joins
}

func (cs *chatServer) socketURL() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http") + "/ws"
}

func startSession(t *testing.T, cs *chatServer, opts ...func(*Config)) (*Session, context.CancelFunc, <-chan error) {
	cfg := Config{
		SocketURL:  cs.socketURL(),
		Token:      testToken,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := NewSession(cfg, NewAPIClient(cs.srv.URL, testToken))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return s, cancel, errc
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSessionReconnectClosesGapWithoutDuplicates(t *testing.T) {
	cs := newChatServer(t)
	s, cancel, errc := startSession(t, cs)

	view := s.Open(1)
	require.Eventually(t, func() bool { return view.State() == StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	m1 := models.Message{ID: 1, ChatID: 1, SenderID: 8, Content: "m1", OrderKey: 1}
	cs.store(m1)
	cs.push(m1)
	require.Eventually(t, func() bool { return len(view.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// m2 lands while the socket is down and is never pushed.
	cs.store(models.Message{ID: 2, ChatID: 1, SenderID: 8, Content: "m2", OrderKey: 2})
	cs.dropConnections()

	require.Eventually(t, func() bool {
		return cs.joinCount() >= 2 && view.State() == StateSubscribed && len(view.Messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// A stale push of m1 after reconnect must not duplicate it. m3 marks the
	// point where the stale push has been handled.
	cs.push(m1)
	m3 := models.Message{ID: 3, ChatID: 1, SenderID: 8, Content: "m3", OrderKey: 3}
	cs.store(m3)
	cs.push(m3)
	require.Eventually(t, func() bool { return len(view.Messages()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, ids(view.Messages()))

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionFillsGapFromSkippedOrderKey(t *testing.T) {
	cs := newChatServer(t)
	s, _, _ := startSession(t, cs)

	view := s.Open(1)
	require.Eventually(t, func() bool { return view.State() == StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	m1 := models.Message{ID: 1, ChatID: 1, SenderID: 8, Content: "m1", OrderKey: 1}
	cs.store(m1)
	cs.push(m1)
	require.Eventually(t, func() bool { return len(view.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// m2 is stored but its push is lost while the socket stays up.
	cs.store(models.Message{ID: 2, ChatID: 1, SenderID: 8, Content: "m2", OrderKey: 2})
	m3 := models.Message{ID: 3, ChatID: 1, SenderID: 8, Content: "m3", OrderKey: 3}
	cs.store(m3)
	cs.push(m3)

	require.Eventually(t, func() bool { return len(view.Messages()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, ids(view.Messages()))
	assert.Equal(t, 1, cs.joinCount())
}

func TestSessionPollPicksUpLostNewestPush(t *testing.T) {
	cs := newChatServer(t)
	s, _, _ := startSession(t, cs, func(cfg *Config) { cfg.PollInterval = 20 * time.Millisecond })

	view := s.Open(1)
	require.Eventually(t, func() bool { return view.State() == StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	// the join refetch has read the empty chat before m1 is stored
	require.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return cs.fetches >= 1
	}, 2*time.Second, 10*time.Millisecond)
	cs.store(models.Message{ID: 1, ChatID: 1, SenderID: 8, Content: "m1", OrderKey: 1})

	require.Eventually(t, func() bool { return len(view.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, cs.joinCount())
}

func TestSessionResendReusesClientMessageID(t *testing.T) {
	cs := newChatServer(t)
	s, _, _ := startSession(t, cs)

	view := s.Open(1)
	require.Eventually(t, func() bool { return view.State() == StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	id, err := s.Send(1, "hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, s.Resend(1, id, "hello", nil))

	require.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.sends) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cs.mu.Lock()
	assert.Equal(t, []string{id, id}, cs.sends)
	assert.Len(t, cs.messages, 1)
	cs.mu.Unlock()

	require.Eventually(t, func() bool { return len(view.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionRunStopsWhenRejected(t *testing.T) {
	cs := newChatServer(t)
	cs.rejectWith = http.StatusUnauthorized
	_, _, errc := startSession(t, cs)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying a rejected handshake")
	}
}

func TestSessionWritesFailWhileDisconnected(t *testing.T) {
	s := NewSession(Config{SocketURL: "ws://127.0.0.1:1/ws"}, nil)

	assert.ErrorIs(t, s.Typing(1, true), ErrNotConnected)
	assert.ErrorIs(t, s.MarkRead(1, 0), ErrNotConnected)

	view := s.Open(1)
	assert.Equal(t, StateUnsubscribed, view.State())
	assert.Same(t, view, s.Open(1))

	s.Close(1)
	assert.Nil(t, s.View(1))
}

func TestAPIClientFetchesAllPages(t *testing.T) {
	cs := newChatServer(t)
	for i := int64(1); i <= 450; i++ {
		cs.store(models.Message{ID: i, ChatID: 1, SenderID: 8, OrderKey: i})
	}

	api := NewAPIClient(cs.srv.URL, testToken)
	msgs, err := api.FetchMessages(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 450)
	assert.Equal(t, int64(450), msgs[449].OrderKey)

	cs.mu.Lock()
	assert.Equal(t, 3, cs.fetches)
	cs.mu.Unlock()

	tail, err := api.FetchMessages(context.Background(), 1, 440)
	require.NoError(t, err)
	assert.Len(t, tail, 10)
}

func TestAPIClientSurfacesErrors(t *testing.T) {
	cs := newChatServer(t)
	api := NewAPIClient(cs.srv.URL, "wrong")

	_, err := api.FetchMessages(context.Background(), 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
