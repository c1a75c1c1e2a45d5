package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// memStore is an in-memory stand-in for the member and message repositories
// with the same locking semantics as the SQL store.
type memStore struct {
	mu         sync.Mutex
	chats      map[int64]*models.Chat
	members    map[int64]map[int64]*models.Member
	messages   map[int64][]models.Message
	nextID     int64
	failCreate error
	// afterWrite runs once a message or watermark write has been applied.
	afterWrite func()
}

func newMemStore() *memStore {
	return &memStore{
		chats:    map[int64]*models.Chat{},
		members:  map[int64]map[int64]*models.Member{},
		messages: map[int64][]models.Message{},
	}
}

func (s *memStore) addChat(chatID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = &models.Chat{ID: chatID, Type: models.ChatTypeGroup}
	s.members[chatID] = map[int64]*models.Member{}
	for _, id := range userIDs {
		s.members[chatID][id] = &models.Member{ChatID: chatID, UserID: id}
	}
}

func (s *memStore) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[chatID][userID]
	return ok, nil
}

func (s *memStore) ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.members[chatID]))
	for id := range s.members[chatID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) GetMember(_ context.Context, chatID, userID int64) (models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID][userID]
	if !ok {
		return models.Member{}, repositories.ErrNotMember
	}
	return *m, nil
}

func (s *memStore) AdvanceWatermark(_ context.Context, chatID, userID, orderKey int64) (models.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID][userID]
	if !ok {
		return models.Member{}, false, repositories.ErrNotMember
	}
	target := s.chats[chatID].LastOrderKey
	if orderKey > 0 && orderKey < target {
		target = orderKey
	}
	if target <= m.LastReadOrderKey {
		return *m, false, nil
	}
	now := time.Now()
	m.LastReadOrderKey = target
	m.LastReadAt = &now
	if s.afterWrite != nil {
		s.afterWrite()
	}
	return *m, true, nil
}

func (s *memStore) CreateMessage(_ context.Context, in repositories.NewMessage) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return models.Message{}, false, s.failCreate
	}
	chat, ok := s.chats[in.ChatID]
	if !ok {
		return models.Message{}, false, repositories.ErrChatNotFound
	}
	if in.ClientMessageID != nil {
		for _, m := range s.messages[in.ChatID] {
			if m.SenderID == in.SenderID && m.ClientMessageID != nil && *m.ClientMessageID == *in.ClientMessageID {
				return m, false, nil
			}
		}
	}
	s.nextID++
	msg := models.Message{
		ID:              s.nextID,
		ChatID:          in.ChatID,
		SenderID:        in.SenderID,
		Content:         in.Content,
		Attachment:      in.Attachment,
		OrderKey:        chat.LastOrderKey + 1,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	chat.LastOrderKey = msg.OrderKey
	if msg.CreatedAt.After(chat.LastActivityAt) {
		chat.LastActivityAt = msg.CreatedAt
	}
	s.messages[in.ChatID] = append(s.messages[in.ChatID], msg)
	if s.afterWrite != nil {
		s.afterWrite()
	}
	return msg, true, nil
}

func (s *memStore) ListMessages(_ context.Context, chatID int64, q repositories.MessageQuery) (models.MessagePage, error) {
	return models.MessagePage{}, errors.New("not implemented")
}

func (s *memStore) removeMember(chatID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[chatID], userID)
}

func (s *memStore) count(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[chatID])
}

type push struct {
	event   string
	userIDs []int64
	chatID  int64
	payload []byte
}

type recordingFanout struct {
	mu     sync.Mutex
	pushes []push
}

func (f *recordingFanout) PushToUsers(_ context.Context, userIDs []int64, event string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{event: event, userIDs: append([]int64(nil), userIDs...), payload: payload})
}

func (f *recordingFanout) PushToRoom(_ context.Context, chatID int64, recipients []int64, event string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{event: event, chatID: chatID, userIDs: append([]int64(nil), recipients...), payload: payload})
}

func (f *recordingFanout) all() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push(nil), f.pushes...)
}
