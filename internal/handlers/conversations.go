package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/models"
	"messaging-service/internal/services"
	"messaging-service/internal/telemetry"
)

// ConversationHandler serves conversation and membership endpoints.
type ConversationHandler struct {
	conversations *services.ConversationService
	audit         *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations *services.ConversationService, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, audit: audit}
}

// ListConversations returns the caller's conversations with unread counts.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}

	list, err := h.conversations.List(c.Request.Context(), c.GetInt64("userID"), models.Page{Limit: limit, Offset: offset})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// CreateDirect creates or returns the direct conversation with another user.
func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, created, err := h.conversations.CreateOrGetDirect(c.Request.Context(), c.GetInt64("userID"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

// CreateGroup creates a group conversation owned by the caller.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Title          string  `json:"title" binding:"required"`
		ParticipantIDs []int64 `json:"participant_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.conversations.CreateGroup(c.Request.Context(), c.GetInt64("userID"), req.Title, req.ParticipantIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	audit(c, h.audit, telemetry.AuditPayload{Action: "conversation.create_group", Text: req.Title, ConversationID: conv.ID})
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// GetConversation returns one conversation with participants and unread count.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	detail, err := h.conversations.Get(c.Request.Context(), conversationID, c.GetInt64("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": detail})
}

// AddParticipants adds members to a group. Admin only.
func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserIDs []int64 `json:"user_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added, err := h.conversations.AddParticipants(c.Request.Context(), conversationID, c.GetInt64("userID"), req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	audit(c, h.audit, telemetry.AuditPayload{Action: "conversation.add_participants", ConversationID: conversationID})
	c.JSON(http.StatusOK, gin.H{"added": added})
}

// Leave removes the caller from a conversation.
func (h *ConversationHandler) Leave(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.conversations.Leave(c.Request.Context(), conversationID, c.GetInt64("userID")); err != nil {
		respondError(c, err)
		return
	}
	audit(c, h.audit, telemetry.AuditPayload{Action: "conversation.leave", ConversationID: conversationID})
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// ToggleMute flips the caller's mute flag.
func (h *ConversationHandler) ToggleMute(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	muted, err := h.conversations.ToggleMute(c.Request.Context(), conversationID, c.GetInt64("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}
