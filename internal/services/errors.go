package services

import "errors"

var (
	ErrNotAMember     = errors.New("not a member of chat")
	ErrPersistFailure = errors.New("message could not be stored")
	ErrInvalidMessage = errors.New("invalid message")
	ErrChatNotFound   = errors.New("chat not found")
)
