package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// memStore keeps conversations and messages in memory and applies the same
// rules as the SQL repositories: read checkpoints, unread filtering and the
// (created_at, id) history cursor.
type memStore struct {
	mu            sync.Mutex
	now           time.Time
	nextID        int64
	conversations map[int64]models.Conversation
	participants  map[int64]map[int64]models.Participant
	messages      map[int64]models.Message
	receipts      map[int64]map[int64]time.Time
	reactions     map[int64][]models.Reaction
}

func newMemStore() *memStore {
	return &memStore{
		now:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		conversations: make(map[int64]models.Conversation),
		participants:  make(map[int64]map[int64]models.Participant),
		messages:      make(map[int64]models.Message),
		receipts:      make(map[int64]map[int64]time.Time),
		reactions:     make(map[int64][]models.Reaction),
	}
}

// tick advances the clock so every write gets a distinct timestamp.
func (s *memStore) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

// insertAt stores a message with an explicit created_at, as a transaction
// that started earlier but inserted later would.
func (s *memStore) insertAt(conversationID, senderID int64, text string, createdAt time.Time) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := models.Message{
		ID: s.id(), ConversationID: conversationID, SenderID: senderID, Type: models.TypeText,
		Payload: models.TextPayload{Text: text}, State: models.MessageActive, CreatedAt: createdAt,
	}
	s.messages[msg.ID] = msg
	return msg
}

func (s *memStore) addParticipant(conversationID, userID int64, role models.ParticipantRole) {
	if s.participants[conversationID] == nil {
		s.participants[conversationID] = make(map[int64]models.Participant)
	}
	s.participants[conversationID][userID] = models.Participant{
		ConversationID: conversationID, UserID: userID, Role: role, State: models.ParticipantActive, JoinedAt: s.now,
	}
}

func (s *memStore) activeParticipant(conversationID, userID int64) (models.Participant, bool) {
	p, ok := s.participants[conversationID][userID]
	return p, ok && p.Active()
}

func (s *memStore) CreateOrGetDirect(_ context.Context, userID, peerID int64) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	low, high := models.DirectPair(userID, peerID)
	for _, c := range s.conversations {
		if c.Kind == models.KindDirect && *c.DirectUserLow == low && *c.DirectUserHigh == high {
			for _, uid := range []int64{low, high} {
				p := s.participants[c.ID][uid]
				p.State, p.LeftAt = models.ParticipantActive, nil
				s.participants[c.ID][uid] = p
			}
			return c, false, nil
		}
	}
	conv := models.Conversation{ID: s.id(), Kind: models.KindDirect, CreatorID: userID, DirectUserLow: &low, DirectUserHigh: &high, CreatedAt: s.tick()}
	s.conversations[conv.ID] = conv
	s.addParticipant(conv.ID, userID, models.RoleMember)
	s.addParticipant(conv.ID, peerID, models.RoleMember)
	return conv, true, nil
}

func (s *memStore) CreateGroup(_ context.Context, creatorID int64, title string, memberIDs []int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := models.Conversation{ID: s.id(), Kind: models.KindGroup, Title: &title, CreatorID: creatorID, CreatedAt: s.tick()}
	s.conversations[conv.ID] = conv
	s.addParticipant(conv.ID, creatorID, models.RoleAdmin)
	for _, id := range memberIDs {
		s.addParticipant(conv.ID, id, models.RoleMember)
	}
	return conv, nil
}

func (s *memStore) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, apperr.ErrNotFound
	}
	return conv, nil
}

func (s *memStore) GetParticipant(_ context.Context, conversationID, userID int64) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return models.Participant{}, apperr.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListParticipants(_ context.Context, conversationID int64) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Participant{}
	for _, p := range s.participants[conversationID] {
		if p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) ListConversations(ctx context.Context, userID int64, page models.Page) ([]models.ConversationSummary, error) {
	ids, _ := s.ActiveConversationIDs(ctx, userID)
	out := make([]models.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		unread, _ := s.UnreadCount(ctx, id, userID)
		s.mu.Lock()
		out = append(out, models.ConversationSummary{
			Conversation: s.conversations[id], IsMuted: s.participants[id][userID].IsMuted, UnreadCount: unread,
		})
		s.mu.Unlock()
	}
	return out, nil
}

func (s *memStore) ActiveConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []int64{}
	for id := range s.conversations {
		if _, ok := s.activeParticipant(id, userID); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) AddParticipants(_ context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := []int64{}
	for _, id := range userIDs {
		if _, ok := s.activeParticipant(conversationID, id); ok {
			continue
		}
		s.addParticipant(conversationID, id, models.RoleMember)
		added = append(added, id)
	}
	return added, nil
}

func (s *memStore) Leave(_ context.Context, conversationID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeParticipant(conversationID, userID)
	if !ok {
		return apperr.ErrNotAParticipant
	}
	at := s.tick()
	p.State, p.LeftAt = models.ParticipantLeft, &at
	s.participants[conversationID][userID] = p
	return nil
}

func (s *memStore) ToggleMute(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeParticipant(conversationID, userID)
	if !ok {
		return false, apperr.ErrNotAParticipant
	}
	p.IsMuted = !p.IsMuted
	s.participants[conversationID][userID] = p
	return p.IsMuted, nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, userID int64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeParticipant(conversationID, userID)
	if !ok {
		return time.Time{}, apperr.ErrNotAParticipant
	}
	at := s.tick()
	p.LastReadAt = &at
	s.participants[conversationID][userID] = p
	return at, nil
}

func (s *memStore) UnreadCount(_ context.Context, conversationID, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return 0, nil
	}
	var count int64
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.Deleted() {
			continue
		}
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) CreateMessage(_ context.Context, in repositories.NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeParticipant(in.ConversationID, in.SenderID); !ok {
		return models.Message{}, apperr.ErrNotAParticipant
	}
	msg := models.Message{
		ID: s.id(), ConversationID: in.ConversationID, SenderID: in.SenderID, Type: in.Payload.Type(),
		Payload: in.Payload, ReplyToID: in.ReplyToID, State: models.MessageActive, CreatedAt: s.tick(),
	}
	s.messages[msg.ID] = msg
	conv := s.conversations[msg.ConversationID]
	if conv.LastMessageAt == nil || msg.CreatedAt.After(*conv.LastMessageAt) {
		at := msg.CreatedAt
		conv.LastMessageAt = &at
		s.conversations[msg.ConversationID] = conv
	}
	return msg, nil
}

func (s *memStore) GetMessage(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	return stored(msg), nil
}

// stored strips what the database does not return for tombstones.
func stored(m models.Message) models.Message {
	if m.Deleted() {
		m.Payload = nil
	}
	return m
}

func sortsBefore(a, b models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *memStore) ListMessages(_ context.Context, conversationID int64, beforeID *int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cursor *models.Message
	if beforeID != nil {
		c, ok := s.messages[*beforeID]
		if !ok || c.ConversationID != conversationID {
			return []models.Message{}, nil
		}
		cursor = &c
	}
	out := []models.Message{}
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if cursor != nil && !sortsBefore(m, *cursor) {
			continue
		}
		out = append(out, stored(m))
	}
	sort.Slice(out, func(i, j int) bool { return sortsBefore(out[j], out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdatePayload(_ context.Context, messageID int64, payload models.Payload) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.Deleted() {
		return models.Message{}, apperr.ErrNotFound
	}
	at := s.tick()
	msg.Payload, msg.State, msg.EditedAt = payload, models.MessageEdited, &at
	s.messages[messageID] = msg
	return msg, nil
}

func (s *memStore) SoftDelete(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.Deleted() {
		return models.Message{}, apperr.ErrNotFound
	}
	at := s.tick()
	msg.State, msg.DeletedAt = models.MessageDeleted, &at
	s.messages[messageID] = msg
	return stored(msg), nil
}

func (s *memStore) AddReceipts(_ context.Context, conversationID, userID int64, messageIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := []int64{}
	for _, id := range messageIDs {
		msg, ok := s.messages[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		if s.receipts[id] == nil {
			s.receipts[id] = make(map[int64]time.Time)
		}
		if _, seen := s.receipts[id][userID]; seen {
			continue
		}
		s.receipts[id][userID] = s.now
		inserted = append(inserted, id)
	}
	sort.Slice(inserted, func(i, j int) bool { return inserted[i] < inserted[j] })
	return inserted, nil
}

func (s *memStore) ListReceipts(_ context.Context, messageID int64) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ReadReceipt{}
	for userID, at := range s.receipts[messageID] {
		out = append(out, models.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) AddReaction(_ context.Context, messageID, userID int64, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reactions[messageID] {
		if r.UserID == userID && r.Emoji == emoji {
			return false, nil
		}
	}
	s.reactions[messageID] = append(s.reactions[messageID], models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.tick()})
	return true, nil
}

func (s *memStore) RemoveReaction(_ context.Context, messageID, userID int64, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.reactions[messageID]
	for i, r := range list {
		if r.UserID == userID && r.Emoji == emoji {
			s.reactions[messageID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListReactions(_ context.Context, messageID int64) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Reaction{}, s.reactions[messageID]...), nil
}

var (
	_ repositories.ConversationRepository = (*memStore)(nil)
	_ repositories.MessageRepository      = (*memStore)(nil)
)
