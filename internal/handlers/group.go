package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	maxGroupNameRunes = 100
	maxGroupMembers   = 256
)

// CreateGroupChat creates a group chat. The caller is always a member.
func (h *ChatHandler) CreateGroupChat(c *gin.Context) {
	var req struct {
		Name      string  `json:"name" binding:"required"`
		MemberIDs []int64 `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxGroupNameRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must be 1-100 characters"})
		return
	}

	userID := c.GetInt64("userID")
	others := make([]int64, 0, len(req.MemberIDs))
	seen := map[int64]struct{}{userID: {}}
	for _, id := range req.MemberIDs {
		if id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
			return
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others)+1 > maxGroupMembers {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many members"})
		return
	}
	if !h.requireActiveUsers(c, others) {
		return
	}

	chat, err := h.chatRepo.CreateGroupChat(c.Request.Context(), userID, name, others)
	if err != nil {
		writeError(c, err, "could not create group")
		return
	}

	h.chatCreated(c, chat, append([]int64{userID}, others...))
	c.JSON(http.StatusCreated, chat)
}
