package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Broadcaster is the part of the dispatcher the services need.
type Broadcaster interface {
	Broadcast(channel string, event models.Event)
	BroadcastExcept(channel string, event models.Event, exceptUser int64)
	JoinUser(channel string, userID int64)
	LeaveUser(channel string, userID int64)
}

// ConversationService owns conversations and their participants.
type ConversationService struct {
	repo   repositories.ConversationRepository
	hub    Broadcaster
	logger *zap.Logger
}

// NewConversationService wires a ConversationService.
func NewConversationService(repo repositories.ConversationRepository, hub Broadcaster, logger *zap.Logger) *ConversationService {
	return &ConversationService{repo: repo, hub: hub, logger: logger}
}

// CreateOrGetDirect returns the single direct conversation between userID
// and peerID. created is true only for the call that inserted it.
func (s *ConversationService) CreateOrGetDirect(ctx context.Context, userID, peerID int64) (models.Conversation, bool, error) {
	if peerID <= 0 {
		return models.Conversation{}, false, fmt.Errorf("%w: peer id is required", apperr.ErrInvalidArgument)
	}
	if userID == peerID {
		return models.Conversation{}, false, fmt.Errorf("%w: cannot start a conversation with yourself", apperr.ErrInvalidArgument)
	}

	conv, created, err := s.repo.CreateOrGetDirect(ctx, userID, peerID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if created {
		s.announce(conv, []int64{userID, peerID})
	} else {
		// a participant that left may have been reactivated
		channel := models.ConversationChannel(conv.ID)
		s.hub.JoinUser(channel, userID)
		s.hub.JoinUser(channel, peerID)
	}
	return conv, created, nil
}

// CreateGroup creates a group owned by creatorID. The creator is dropped
// from memberIDs and duplicates are removed; at least two other members and
// a title are required.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID int64, title string, memberIDs []int64) (models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Conversation{}, fmt.Errorf("%w: group title is required", apperr.ErrInvalidArgument)
	}
	members := normalizeIDs(memberIDs, creatorID)
	if len(members) < 2 {
		return models.Conversation{}, fmt.Errorf("%w: a group needs at least two other participants", apperr.ErrInvalidArgument)
	}

	conv, err := s.repo.CreateGroup(ctx, creatorID, title, members)
	if err != nil {
		return models.Conversation{}, err
	}
	s.announce(conv, append([]int64{creatorID}, members...))
	return conv, nil
}

// announce subscribes the users' live connections to the conversation and
// notifies them on their personal channels.
func (s *ConversationService) announce(conv models.Conversation, userIDs []int64) {
	channel := models.ConversationChannel(conv.ID)
	event := models.Event{Type: models.EventConversationCreated, ConversationID: conv.ID, Data: conv}
	for _, id := range userIDs {
		s.hub.JoinUser(channel, id)
		s.hub.Broadcast(models.PersonalChannel(id), event)
	}
}

// AddParticipants adds users to a group. Only an active admin may do so.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, adminID int64, userIDs []int64) ([]int64, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindGroup {
		return nil, fmt.Errorf("%w: participants can only be added to groups", apperr.ErrInvalidArgument)
	}
	admin, err := s.RequireParticipant(ctx, conversationID, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != models.RoleAdmin {
		return nil, fmt.Errorf("only admins can add participants: %w", apperr.ErrUnauthorized)
	}
	ids := normalizeIDs(userIDs, adminID)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no participants to add", apperr.ErrInvalidArgument)
	}

	added, err := s.repo.AddParticipants(ctx, conversationID, ids)
	if err != nil {
		return nil, err
	}
	s.announce(conv, added)
	return added, nil
}

// RequireParticipant returns the caller's membership or ErrNotAParticipant.
func (s *ConversationService) RequireParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	p, err := s.repo.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && !p.Active()) {
		return models.Participant{}, apperr.ErrNotAParticipant
	}
	if err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

// Get returns the conversation with its active participants and the
// caller's unread count.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID int64) (models.ConversationDetail, error) {
	self, err := s.RequireParticipant(ctx, conversationID, userID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	participants, err := s.repo.ListParticipants(ctx, conversationID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	unread, err := s.repo.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	return models.ConversationDetail{
		ConversationSummary: models.ConversationSummary{Conversation: conv, IsMuted: self.IsMuted, UnreadCount: unread},
		Participants:        participants,
	}, nil
}

// List returns the caller's conversations, most recent activity first.
func (s *ConversationService) List(ctx context.Context, userID int64, page models.Page) ([]models.ConversationSummary, error) {
	return s.repo.ListConversations(ctx, userID, clampPage(page))
}

// ActiveConversationIDs lists the conversations a connection should join.
func (s *ConversationService) ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.repo.ActiveConversationIDs(ctx, userID)
}

// Leave removes the caller from the conversation. Remaining members are told
// before the caller's connections are unsubscribed.
func (s *ConversationService) Leave(ctx context.Context, conversationID, userID int64) error {
	if err := s.repo.Leave(ctx, conversationID, userID); err != nil {
		return err
	}
	channel := models.ConversationChannel(conversationID)
	s.hub.Broadcast(channel, models.Event{
		Type:           models.EventUserLeft,
		ConversationID: conversationID,
		Data:           models.UserData{UserID: userID},
	})
	s.hub.LeaveUser(channel, userID)
	return nil
}

// ToggleMute flips the caller's mute flag.
func (s *ConversationService) ToggleMute(ctx context.Context, conversationID, userID int64) (bool, error) {
	return s.repo.ToggleMute(ctx, conversationID, userID)
}

// UnreadCount counts other members' messages after the caller's checkpoint.
func (s *ConversationService) UnreadCount(ctx context.Context, conversationID, userID int64) (int64, error) {
	if _, err := s.RequireParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.repo.UnreadCount(ctx, conversationID, userID)
}

func normalizeIDs(ids []int64, exclude int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clampPage(page models.Page) models.Page {
	if page.Limit <= 0 {
		page.Limit = defaultPageSize
	}
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}
