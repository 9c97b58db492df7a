package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGetDirect(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error) {
	args := m.Called(ctx, userID, peerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) CreateGroup(ctx context.Context, creatorID int64, title string, memberIDs []int64) (models.Conversation, error) {
	args := m.Called(ctx, creatorID, title, memberIDs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetParticipant(ctx context.Context, conversationID int64, userID int64) (models.Participant, error) {
	args := m.Called(ctx, conversationID, userID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}

func (m *ConversationRepositoryMock) ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	args := m.Called(ctx, conversationID)
	var list []models.Participant
	if val := args.Get(0); val != nil {
		list = val.([]models.Participant)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID int64, page models.Page) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID, page)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	args := m.Called(ctx, conversationID, userIDs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) Leave(ctx context.Context, conversationID int64, userID int64) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ToggleMute(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) MarkRead(ctx context.Context, conversationID int64, userID int64) (time.Time, error) {
	args := m.Called(ctx, conversationID, userID)
	var readAt time.Time
	if val := args.Get(0); val != nil {
		readAt = val.(time.Time)
	}
	return readAt, args.Error(1)
}

func (m *ConversationRepositoryMock) UnreadCount(ctx context.Context, conversationID int64, userID int64) (int64, error) {
	args := m.Called(ctx, conversationID, userID)
	var count int64
	if val := args.Get(0); val != nil {
		count = val.(int64)
	}
	return count, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg repositories.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var created models.Message
	if val := args.Get(0); val != nil {
		created = val.(models.Message)
	}
	return created, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID int64, beforeID *int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) UpdatePayload(ctx context.Context, messageID int64, payload models.Payload) (models.Message, error) {
	args := m.Called(ctx, messageID, payload)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) AddReceipts(ctx context.Context, conversationID int64, userID int64, messageIDs []int64) ([]int64, error) {
	args := m.Called(ctx, conversationID, userID, messageIDs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *MessageRepositoryMock) ListReceipts(ctx context.Context, messageID int64) ([]models.ReadReceipt, error) {
	args := m.Called(ctx, messageID)
	var list []models.ReadReceipt
	if val := args.Get(0); val != nil {
		list = val.([]models.ReadReceipt)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) AddReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) RemoveReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ListReactions(ctx context.Context, messageID int64) ([]models.Reaction, error) {
	args := m.Called(ctx, messageID)
	var list []models.Reaction
	if val := args.Get(0); val != nil {
		list = val.([]models.Reaction)
	}
	return list, args.Error(1)
}

// BroadcasterMock records dispatcher calls.
type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(channel string, event models.Event) {
	m.Called(channel, event)
}

func (m *BroadcasterMock) BroadcastExcept(channel string, event models.Event, exceptUser int64) {
	m.Called(channel, event, exceptUser)
}

func (m *BroadcasterMock) JoinUser(channel string, userID int64) {
	m.Called(channel, userID)
}

func (m *BroadcasterMock) LeaveUser(channel string, userID int64) {
	m.Called(channel, userID)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
