package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/models"
	"messaging-service/internal/services"
	"messaging-service/internal/telemetry"
)

// MessageHandler serves the message pipeline endpoints.
type MessageHandler struct {
	messages *services.MessageService
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messages *services.MessageService, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{messages: messages, audit: audit}
}

type sendRequest struct {
	Type      models.MessageType `json:"type"`
	Payload   json.RawMessage    `json:"payload"`
	ReplyToID *int64             `json:"reply_to_id"`
}

func (r sendRequest) decode() (models.Payload, error) {
	t := r.Type
	if t == "" {
		t = models.TypeText
	}
	return models.DecodePayload(t, r.Payload)
}

// History returns a page of messages, oldest first.
func (h *MessageHandler) History(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	before, ok := queryInt(c, "before")
	if !ok {
		return
	}
	var beforeID *int64
	if before > 0 {
		id := int64(before)
		beforeID = &id
	}

	msgs, err := h.messages.History(c.Request.Context(), conversationID, c.GetInt64("userID"), beforeID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Send appends a message to a conversation.
func (h *MessageHandler) Send(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := req.decode()
	if err != nil {
		respondError(c, err)
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), services.SendInput{
		ConversationID: conversationID,
		SenderID:       c.GetInt64("userID"),
		Payload:        payload,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// SendDirect sends to the direct conversation with :user_id.
func (h *MessageHandler) SendDirect(c *gin.Context) {
	peerID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := req.decode()
	if err != nil {
		respondError(c, err)
		return
	}

	msg, err := h.messages.SendDirect(c.Request.Context(), c.GetInt64("userID"), peerID, payload, req.ReplyToID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Edit replaces the text of the caller's message.
func (h *MessageHandler) Edit(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Edit(c.Request.Context(), messageID, c.GetInt64("userID"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Delete soft-deletes the caller's message.
func (h *MessageHandler) Delete(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.messages.Delete(c.Request.Context(), messageID, c.GetInt64("userID")); err != nil {
		respondError(c, err)
		return
	}
	audit(c, h.audit, telemetry.AuditPayload{Action: "message.delete", MessageID: messageID})
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// MarkRead advances the caller's read checkpoint.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	res, err := h.messages.MarkRead(c.Request.Context(), conversationID, c.GetInt64("userID"), req.MessageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// React adds an emoji reaction.
func (h *MessageHandler) React(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.messages.React(c.Request.Context(), messageID, c.GetInt64("userID"), req.Emoji); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Unreact removes the caller's :emoji reaction.
func (h *MessageHandler) Unreact(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.messages.Unreact(c.Request.Context(), messageID, c.GetInt64("userID"), c.Param("emoji")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Reactions lists a message's reactions.
func (h *MessageHandler) Reactions(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	list, err := h.messages.Reactions(c.Request.Context(), messageID, c.GetInt64("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": list})
}

// Receipts lists a message's read receipts.
func (h *MessageHandler) Receipts(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	list, err := h.messages.Receipts(c.Request.Context(), messageID, c.GetInt64("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": list})
}
