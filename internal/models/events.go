package models

import (
	"encoding/json"
	"strconv"
)

// PersonalChannel is the channel every connection of userID joins.
func PersonalChannel(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// ConversationChannel is the broadcast channel of a conversation.
func ConversationChannel(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

// Event names delivered over websocket channels.
const (
	EventMessageNew          = "message:new"
	EventMessageEdited       = "message:edited"
	EventMessageDeleted      = "message:deleted"
	EventMessagesRead        = "messages:read"
	EventReactionAdded       = "reaction:added"
	EventReactionRemoved     = "reaction:removed"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventUserLeft            = "user:left"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
	EventConversationCreated = "conversation:created"
)

// Event is the frame pushed to clients.
type Event struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// MessageDeletedData carries only the id of a deleted message.
type MessageDeletedData struct {
	ID             int64 `json:"id"`
	ConversationID int64 `json:"conversation_id"`
}

// MessagesReadData is broadcast when a user acknowledges specific messages.
type MessagesReadData struct {
	UserID     int64   `json:"user_id"`
	MessageIDs []int64 `json:"message_ids"`
}

// ReactionData is the delta broadcast for reaction changes.
type ReactionData struct {
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// UserData identifies the subject of presence and membership events.
type UserData struct {
	UserID int64 `json:"user_id"`
}

// TypingData is relayed for typing indicators. Payload is whatever the
// client attached to the frame, passed through untouched.
type TypingData struct {
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
