package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/services"
	"chat-realtime/internal/telemetry"
)

// ChatHandler serves the request/response chat API. Messages posted here go
// through the same pipeline as socket sends.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	userRepo    repositories.UserRepository
	membership  *services.Membership
	pipeline    *services.Pipeline
	signals     *services.Signals
	audit       *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, userRepo repositories.UserRepository,
	membership *services.Membership, pipeline *services.Pipeline, signals *services.Signals, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		userRepo:    userRepo,
		membership:  membership,
		pipeline:    pipeline,
		signals:     signals,
		audit:       audit,
	}
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt64("userID")

	chats, err := h.chatRepo.ListChatsForUser(c.Request.Context(), userID)
	if err != nil {
		logger.Error("list chats failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns one chat with its members and the caller's watermark.
func (h *ChatHandler) GetChat(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	userID := c.GetInt64("userID")
	ctx := c.Request.Context()

	if !h.requireMember(c, chatID, userID) {
		return
	}
	chat, err := h.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		writeError(c, err, "failed to load chat")
		return
	}
	memberIDs, err := h.membership.Members(ctx, chatID)
	if err != nil {
		writeError(c, err, "failed to load members")
		return
	}
	watermark, err := h.membership.Watermark(ctx, chatID, userID)
	if err != nil {
		writeError(c, err, "failed to load watermark")
		return
	}

	c.JSON(http.StatusOK, models.ChatSummary{Chat: chat, LastReadOrderKey: watermark, MemberIDs: memberIDs})
}

// StartDirectChat creates or returns the direct chat between the caller and
// another user.
func (h *ChatHandler) StartDirectChat(c *gin.Context) {
	var req struct {
		UserID int64 `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt64("userID")
	if userID == req.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	if !h.requireActiveUsers(c, []int64{req.UserID}) {
		return
	}

	chat, err := h.chatRepo.CreateDirectChat(c.Request.Context(), userID, req.UserID)
	if err != nil {
		writeError(c, err, "could not create chat")
		return
	}

	h.chatCreated(c, chat, []int64{userID, req.UserID})
	c.JSON(http.StatusOK, chat)
}

// GetChatMessages returns a page of the chat history in order key order.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	var q repositories.MessageQuery
	var err error
	if q.AfterOrderKey, err = queryInt64(c, "after"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.BeforeOrderKey, err = queryInt64(c, "before"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// an absent limit takes the default page size; an explicit one is 1..max
	limit, err := queryInt64(c, "limit")
	if err != nil || limit > repositories.MaxPageSize || (limit == 0 && c.Query("limit") != "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", repositories.MaxPageSize)})
		return
	}
	q.Limit = int(limit)

	if !h.requireMember(c, chatID, c.GetInt64("userID")) {
		return
	}

	page, err := h.messageRepo.ListMessages(c.Request.Context(), chatID, q)
	if err != nil {
		logger.Error("list messages failed", zap.Int64("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// PostChatMessage sends a message. A retry with a known clientMessageId
// returns the stored message with 200 instead of 201.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	var req struct {
		Content         string  `json:"content"`
		Attachment      *string `json:"attachment"`
		ClientMessageID *string `json:"clientMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, created, err := h.pipeline.Send(c.Request.Context(), services.SendInput{
		ChatID:          chatID,
		SenderID:        c.GetInt64("userID"),
		Content:         req.Content,
		Attachment:      req.Attachment,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeError(c, err, "failed to store message")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, msg)
}

// MarkRead advances the caller's read watermark. Without orderKey the chat
// is marked read up to its latest message.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	var req struct {
		OrderKey int64 `json:"orderKey"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.OrderKey < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderKey must not be negative"})
		return
	}

	member, advanced, err := h.signals.MarkRead(c.Request.Context(), chatID, c.GetInt64("userID"), req.OrderKey)
	if err != nil {
		writeError(c, err, "failed to update read state")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chatId":           chatID,
		"lastReadOrderKey": member.LastReadOrderKey,
		"advanced":         advanced,
	})
}

func (h *ChatHandler) requireMember(c *gin.Context, chatID, userID int64) bool {
	if err := h.membership.Require(c.Request.Context(), chatID, userID); err != nil {
		writeError(c, err, "failed to verify membership")
		return false
	}
	return true
}

func (h *ChatHandler) requireActiveUsers(c *gin.Context, userIDs []int64) bool {
	for _, id := range userIDs {
		user, err := h.userRepo.GetUser(c.Request.Context(), id)
		if errors.Is(err, repositories.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("user %d not found", id)})
			return false
		}
		if err != nil {
			logger.Error("load user failed", zap.Int64("user_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
			return false
		}
		if user.Status != models.UserStatusActive {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("user %d is not active", id)})
			return false
		}
	}
	return true
}

func (h *ChatHandler) chatCreated(c *gin.Context, chat models.Chat, memberIDs []int64) {
	ctx := c.Request.Context()
	requestID := requestIDFromContext(c)
	h.audit.Emit(ctx, "info", fmt.Sprintf("chat created chat_id=%d type=%s", chat.ID, chat.Type), requestID, auditUserID(c))

	headers := observability.BuildHeaders(requestID, observability.TraceIDFromContext(ctx))
	if err := observability.PublishEvent(ctx, observability.RoutingChatCreated, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "chat_created",
		Payload: map[string]interface{}{
			"chat_id":    chat.ID,
			"type":       chat.Type,
			"member_ids": memberIDs,
		},
	}, headers); err != nil {
		logger.Warn("chat_created publish failed", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}
}

func parseChatID(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}

func queryInt64(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

// writeError maps service and store errors to HTTP statuses.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
	case errors.Is(err, services.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrChatNotFound), errors.Is(err, repositories.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, repositories.ErrSelfChat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
	default:
		logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
