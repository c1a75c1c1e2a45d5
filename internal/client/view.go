// Package client is the consuming side of the real-time channel: a session
// that keeps a socket open across network loss and a per-chat view that merges
// API reads with live pushes into one ordered, duplicate-free list.
package client

import (
	"sort"
	"sync"

	"chat-realtime/internal/models"
)

// State is the subscription state of a chat view.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// View holds the messages of one open chat keyed by message id and ordered
// by order key. It is safe for concurrent use.
type View struct {
	ChatID int64

	mu    sync.RWMutex
	byID  map[int64]models.Message
	state State
}

func NewView(chatID int64) *View {
	return &View{ChatID: chatID, byID: make(map[int64]models.Message)}
}

// OnAPIFetch merges messages read from the API and returns how many were new.
func (v *View) OnAPIFetch(msgs []models.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if v.mergeLocked(m) {
			added++
		}
	}
	return added
}

// OnPush merges a pushed message. It reports false for an id already present,
// which covers a push arriving after a poll or a replay after reconnect.
func (v *View) OnPush(m models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mergeLocked(m)
}

// mergeLocked keeps the existing copy of a known id. Only the read flag may
// change after persistence, and it only goes from false to true.
func (v *View) mergeLocked(m models.Message) bool {
	if m.ChatID != 0 && m.ChatID != v.ChatID {
		return false
	}
	existing, ok := v.byID[m.ID]
	if ok {
		if m.Read && !existing.Read {
			existing.Read = true
			v.byID[m.ID] = existing
		}
		return false
	}
	v.byID[m.ID] = m
	return true
}

// ApplyReadReceipt marks messages up to orderKey read when readerID is not
// their sender.
func (v *View) ApplyReadReceipt(readerID, orderKey int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, m := range v.byID {
		if !m.Read && m.SenderID != readerID && m.OrderKey <= orderKey {
			m.Read = true
			v.byID[id] = m
		}
	}
}

// Messages returns a copy ordered by order key.
func (v *View) Messages() []models.Message {
	v.mu.RLock()
	out := make([]models.Message, 0, len(v.byID))
	for _, m := range v.byID {
		out = append(out, m)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey < out[j].OrderKey })
	return out
}

// LastOrderKey returns the highest order key in the view, 0 when empty.
func (v *View) LastOrderKey() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var last int64
	for _, m := range v.byID {
		if m.OrderKey > last {
			last = m.OrderKey
		}
	}
	return last
}

func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Subscribing records that a join request is in flight.
func (v *View) Subscribing() {
	v.setState(StateSubscribing)
}

// Subscribed records the server's joined-chat acknowledgement.
func (v *View) Subscribed() {
	v.setState(StateSubscribed)
}

// ConnectionLost drops the subscription; pushes are no longer trusted to be
// gap-free until the view re-subscribes and re-fetches.
func (v *View) ConnectionLost() {
	v.setState(StateUnsubscribed)
}

func (v *View) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}
