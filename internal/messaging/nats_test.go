package messaging

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	target  string
	userIDs []int64
	chatID  int64
	event   string
	payload string
}

type localFanout struct {
	mu  sync.Mutex
	got []recorded
}

func (l *localFanout) PushToUsers(_ context.Context, userIDs []int64, event string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, recorded{target: targetUsers, userIDs: userIDs, event: event, payload: string(payload)})
}

func (l *localFanout) PushToRoom(_ context.Context, chatID int64, recipients []int64, event string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, recorded{target: targetRoom, chatID: chatID, userIDs: recipients, event: event, payload: string(payload)})
}

func (l *localFanout) snapshot() []recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recorded(nil), l.got...)
}

func TestDeliverRoutesFrames(t *testing.T) {
	local := &localFanout{}
	f := &NATSFanout{local: local}

	users, err := json.Marshal(frame{Target: targetUsers, UserIDs: []int64{1, 2}, Event: "new-message", Payload: json.RawMessage(`{"event":"new-message"}`)})
	require.NoError(t, err)
	room, err := json.Marshal(frame{Target: targetRoom, ChatID: 4, UserIDs: []int64{2, 3}, Event: "user-typing", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	f.deliver(users)
	f.deliver(room)
	f.deliver([]byte("garbage"))
	f.deliver([]byte(`{"target":"everyone","payload":{}}`))

	got := local.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, recorded{target: targetUsers, userIDs: []int64{1, 2}, event: "new-message", payload: `{"event":"new-message"}`}, got[0])
	assert.Equal(t, recorded{target: targetRoom, chatID: 4, userIDs: []int64{2, 3}, event: "user-typing", payload: `{}`}, got[1])
}

func TestNATSRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	nodeA := &localFanout{}
	nodeB := &localFanout{}
	a, err := Connect(Config{URL: url, Name: "test-a"}, nodeA)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Connect(Config{URL: url, Name: "test-b"}, nodeB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a.PushToUsers(context.Background(), []int64{7}, "new-message", []byte(`{"event":"new-message"}`))

	for _, node := range []*localFanout{nodeA, nodeB} {
		require.Eventually(t, func() bool { return len(node.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []int64{7}, node.snapshot()[0].userIDs)
	}
}
