package services

import "context"

// Fanout delivers encoded server events to live connections. Delivery is
// best effort: a missing or slow recipient never fails the caller.
type Fanout interface {
	// PushToUsers delivers to every live connection of the given users.
	PushToUsers(ctx context.Context, userIDs []int64, event string, payload []byte)
	// PushToRoom delivers to connections joined to chatID whose user is one of
	// recipients.
	PushToRoom(ctx context.Context, chatID int64, recipients []int64, event string, payload []byte)
}
