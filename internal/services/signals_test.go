package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/protocol"
)

func newSignals(t *testing.T) (*Signals, *Pipeline, *memStore, *recordingFanout) {
	t.Helper()
	store := newMemStore()
	fanout := &recordingFanout{}
	membership := NewMembership(store, nil)
	return NewSignals(membership, fanout), NewPipeline(membership, store, fanout), store, fanout
}

func TestTypingPushesToRoomExcludingSender(t *testing.T) {
	s, _, store, fanout := newSignals(t)
	store.addChat(1, 10, 20, 30)

	require.NoError(t, s.Typing(context.Background(), 1, 10, true))

	pushes := fanout.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.EventUserTyping, pushes[0].event)
	assert.Equal(t, int64(1), pushes[0].chatID)
	assert.Equal(t, []int64{20, 30}, pushes[0].userIDs)
	_, msg, err := protocol.ParseServerEvent(pushes[0].payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.UserTyping{UserID: 10, ChatID: 1, IsTyping: true}, msg)
	assert.Equal(t, 0, store.count(1))
}

func TestTypingSkipsRemovedMember(t *testing.T) {
	s, _, store, fanout := newSignals(t)
	store.addChat(1, 10, 20, 30)
	store.removeMember(1, 30)

	require.NoError(t, s.Typing(context.Background(), 1, 10, false))

	pushes := fanout.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, []int64{20}, pushes[0].userIDs)
}

func TestTypingRequiresMembership(t *testing.T) {
	s, _, store, fanout := newSignals(t)
	store.addChat(1, 10)

	assert.ErrorIs(t, s.Typing(context.Background(), 1, 99, true), ErrNotAMember)
	assert.Empty(t, fanout.all())
}

func TestMarkReadAdvancesAndNotifiesOthers(t *testing.T) {
	s, p, store, fanout := newSignals(t)
	store.addChat(1, 10, 20, 30)
	for i := 0; i < 3; i++ {
		_, _, err := p.Send(context.Background(), SendInput{ChatID: 1, SenderID: 10, Content: "m"})
		require.NoError(t, err)
	}
	before := len(fanout.all())

	member, advanced, err := s.MarkRead(context.Background(), 1, 20, 2)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, int64(2), member.LastReadOrderKey)

	pushes := fanout.all()[before:]
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.EventMessagesRead, pushes[0].event)
	assert.Equal(t, []int64{10, 30}, pushes[0].userIDs)
	_, msg, err := protocol.ParseServerEvent(pushes[0].payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessagesRead{ChatID: 1, UserID: 20, OrderKey: 2}, msg)
}

func TestMarkReadNotifiesAfterCallerContextEnds(t *testing.T) {
	s, p, store, fanout := newSignals(t)
	store.addChat(1, 10, 20)
	_, _, err := p.Send(context.Background(), SendInput{ChatID: 1, SenderID: 10, Content: "m"})
	require.NoError(t, err)
	before := len(fanout.all())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.afterWrite = cancel

	_, advanced, err := s.MarkRead(ctx, 1, 20, 0)
	require.NoError(t, err)
	require.True(t, advanced)

	pushes := fanout.all()[before:]
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.EventMessagesRead, pushes[0].event)
	assert.Equal(t, []int64{10}, pushes[0].userIDs)
}

func TestMarkReadIsMonotonic(t *testing.T) {
	s, p, store, fanout := newSignals(t)
	store.addChat(1, 10, 20)
	for i := 0; i < 3; i++ {
		_, _, err := p.Send(context.Background(), SendInput{ChatID: 1, SenderID: 10, Content: "m"})
		require.NoError(t, err)
	}

	member, advanced, err := s.MarkRead(context.Background(), 1, 20, 0)
	require.NoError(t, err)
	require.True(t, advanced)
	assert.Equal(t, int64(3), member.LastReadOrderKey)
	after := len(fanout.all())

	member, advanced, err = s.MarkRead(context.Background(), 1, 20, 1)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, int64(3), member.LastReadOrderKey)
	assert.Len(t, fanout.all(), after)
}

func TestMarkReadNonMember(t *testing.T) {
	s, _, store, _ := newSignals(t)
	store.addChat(1, 10)

	_, _, err := s.MarkRead(context.Background(), 1, 99, 0)
	assert.ErrorIs(t, err, ErrNotAMember)
}
