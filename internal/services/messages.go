package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

// NotificationRoutingKey is the routing key of offline push notifications.
const NotificationRoutingKey = "message.created"

const maxEmojiLength = 32

// Notifier publishes events for services outside this process.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// MessageCreated is published for every new message so a push service can
// reach recipients that are not connected.
type MessageCreated struct {
	EventType      string             `json:"event_type"`
	MessageID      int64              `json:"message_id"`
	ConversationID int64              `json:"conversation_id"`
	SenderID       int64              `json:"sender_id"`
	Type           models.MessageType `json:"type"`
	RecipientIDs   []int64            `json:"recipient_ids"`
	CreatedAt      time.Time          `json:"created_at"`
}

// SendInput describes a message to append to a conversation.
type SendInput struct {
	ConversationID int64
	SenderID       int64
	Payload        models.Payload
	ReplyToID      *int64
}

// ReadResult is returned by MarkRead.
type ReadResult struct {
	ReadAt     time.Time `json:"read_at"`
	MessageIDs []int64   `json:"message_ids"`
}

// MessageService implements the message lifecycle.
type MessageService struct {
	messages      repositories.MessageRepository
	conversations *ConversationService
	hub           Broadcaster
	users         *directory.Cache
	notifier      Notifier
	logger        *zap.Logger
}

// NewMessageService wires a MessageService. users and notifier may be nil.
func NewMessageService(messages repositories.MessageRepository, conversations *ConversationService, hub Broadcaster, users *directory.Cache, notifier Notifier, logger *zap.Logger) *MessageService {
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		hub:           hub,
		users:         users,
		notifier:      notifier,
		logger:        logger,
	}
}

// Send persists a message and fans it out to the conversation.
func (s *MessageService) Send(ctx context.Context, in SendInput) (msg models.HydratedMessage, err error) {
	defer func() { observeOp("send", err) }()

	if in.Payload == nil {
		return models.HydratedMessage{}, fmt.Errorf("%w: payload is required", apperr.ErrInvalidArgument)
	}
	if err := in.Payload.Validate(); err != nil {
		return models.HydratedMessage{}, err
	}
	if _, err := s.conversations.RequireParticipant(ctx, in.ConversationID, in.SenderID); err != nil {
		return models.HydratedMessage{}, err
	}

	var replyTo *models.MessagePreview
	if in.ReplyToID != nil {
		target, err := s.messages.GetMessage(ctx, *in.ReplyToID)
		if err != nil || target.ConversationID != in.ConversationID {
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return models.HydratedMessage{}, err
			}
			return models.HydratedMessage{}, fmt.Errorf("%w: reply target is not in this conversation", apperr.ErrInvalidArgument)
		}
		replyTo = target.Preview()
	}

	created, err := s.messages.CreateMessage(ctx, repositories.NewMessage{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Payload:        in.Payload,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		return models.HydratedMessage{}, err
	}

	msg = models.HydratedMessage{Message: created, Sender: s.users.Summary(created.SenderID), ReplyTo: replyTo}
	s.hub.Broadcast(models.ConversationChannel(created.ConversationID), models.Event{
		Type:           models.EventMessageNew,
		ConversationID: created.ConversationID,
		Data:           msg,
	})
	s.notify(ctx, created)
	return msg, nil
}

// SendDirect sends to the direct conversation with peerID, creating it on
// first use.
func (s *MessageService) SendDirect(ctx context.Context, senderID, peerID int64, payload models.Payload, replyToID *int64) (models.HydratedMessage, error) {
	conv, _, err := s.conversations.CreateOrGetDirect(ctx, senderID, peerID)
	if err != nil {
		return models.HydratedMessage{}, err
	}
	return s.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: senderID, Payload: payload, ReplyToID: replyToID})
}

func (s *MessageService) notify(ctx context.Context, msg models.Message) {
	if s.notifier == nil {
		return
	}
	participants, err := s.conversations.repo.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("load notification recipients", zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}
	recipients := make([]int64, 0, len(participants))
	for _, p := range participants {
		if p.UserID != msg.SenderID && !p.IsMuted {
			recipients = append(recipients, p.UserID)
		}
	}
	if len(recipients) == 0 {
		return
	}
	event := MessageCreated{
		EventType:      NotificationRoutingKey,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Type:           msg.Type,
		RecipientIDs:   recipients,
		CreatedAt:      msg.CreatedAt,
	}
	if err := s.notifier.Publish(ctx, NotificationRoutingKey, event); err != nil {
		s.logger.Warn("publish message notification", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

// Edit replaces the text of a message. Only the sender may edit, and only
// variants that carry text.
func (s *MessageService) Edit(ctx context.Context, messageID, requesterID int64, text string) (msg models.HydratedMessage, err error) {
	defer func() { observeOp("edit", err) }()

	current, err := s.ownedMessage(ctx, messageID, requesterID)
	if err != nil {
		return models.HydratedMessage{}, err
	}
	editable, ok := current.Payload.(models.Editable)
	if !ok {
		return models.HydratedMessage{}, fmt.Errorf("%w: %s messages cannot be edited", apperr.ErrInvalidArgument, current.Type)
	}
	payload := editable.WithText(text)
	if err := payload.Validate(); err != nil {
		return models.HydratedMessage{}, err
	}

	updated, err := s.messages.UpdatePayload(ctx, messageID, payload)
	if err != nil {
		return models.HydratedMessage{}, err
	}
	msg = s.hydrate(ctx, []models.Message{updated})[0]
	s.hub.Broadcast(models.ConversationChannel(updated.ConversationID), models.Event{
		Type:           models.EventMessageEdited,
		ConversationID: updated.ConversationID,
		Data:           msg,
	})
	return msg, nil
}

// Delete soft-deletes a message. Clients only learn its id.
func (s *MessageService) Delete(ctx context.Context, messageID, requesterID int64) (err error) {
	defer func() { observeOp("delete", err) }()

	if _, err := s.ownedMessage(ctx, messageID, requesterID); err != nil {
		return err
	}
	deleted, err := s.messages.SoftDelete(ctx, messageID)
	if err != nil {
		return err
	}
	s.hub.Broadcast(models.ConversationChannel(deleted.ConversationID), models.Event{
		Type:           models.EventMessageDeleted,
		ConversationID: deleted.ConversationID,
		Data:           models.MessageDeletedData{ID: deleted.ID, ConversationID: deleted.ConversationID},
	})
	return nil
}

func (s *MessageService) ownedMessage(ctx context.Context, messageID, requesterID int64) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.Deleted() {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if msg.SenderID != requesterID {
		return models.Message{}, fmt.Errorf("message %d belongs to another user: %w", messageID, apperr.ErrUnauthorized)
	}
	return msg, nil
}

// MarkRead moves the caller's read checkpoint to now and records receipts
// for messageIDs that belong to the conversation.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, userID int64, messageIDs []int64) (ReadResult, error) {
	readAt, err := s.conversations.repo.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return ReadResult{}, err
	}
	result := ReadResult{ReadAt: readAt, MessageIDs: []int64{}}

	ids := normalizeIDs(messageIDs, 0)
	if len(ids) == 0 {
		return result, nil
	}
	recorded, err := s.messages.AddReceipts(ctx, conversationID, userID, ids)
	if err != nil {
		return ReadResult{}, err
	}
	result.MessageIDs = recorded
	if len(recorded) > 0 {
		s.hub.Broadcast(models.ConversationChannel(conversationID), models.Event{
			Type:           models.EventMessagesRead,
			ConversationID: conversationID,
			Data:           models.MessagesReadData{UserID: userID, MessageIDs: recorded},
		})
	}
	return result, nil
}

// React adds the caller's emoji to a message. Adding twice is a no-op.
func (s *MessageService) React(ctx context.Context, messageID, userID int64, emoji string) error {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return err
	}
	msg, err := s.reactable(ctx, messageID, userID)
	if err != nil {
		return err
	}
	added, err := s.messages.AddReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	if added {
		s.hub.Broadcast(models.ConversationChannel(msg.ConversationID), models.Event{
			Type:           models.EventReactionAdded,
			ConversationID: msg.ConversationID,
			Data:           models.ReactionData{MessageID: messageID, UserID: userID, Emoji: emoji},
		})
	}
	return nil
}

// Unreact removes the caller's own emoji from a message.
func (s *MessageService) Unreact(ctx context.Context, messageID, userID int64, emoji string) error {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return err
	}
	msg, err := s.reactable(ctx, messageID, userID)
	if err != nil {
		return err
	}
	removed, err := s.messages.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("reaction %q: %w", emoji, apperr.ErrNotFound)
	}
	s.hub.Broadcast(models.ConversationChannel(msg.ConversationID), models.Event{
		Type:           models.EventReactionRemoved,
		ConversationID: msg.ConversationID,
		Data:           models.ReactionData{MessageID: messageID, UserID: userID, Emoji: emoji},
	})
	return nil
}

func (s *MessageService) reactable(ctx context.Context, messageID, userID int64) (models.Message, error) {
	msg, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.Deleted() {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	return msg, nil
}

// visibleMessage loads a message the caller may see.
func (s *MessageService) visibleMessage(ctx context.Context, messageID, userID int64) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := s.conversations.RequireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return "", fmt.Errorf("%w: invalid emoji", apperr.ErrInvalidArgument)
	}
	return emoji, nil
}

// History returns up to limit messages before beforeID, oldest first.
func (s *MessageService) History(ctx context.Context, conversationID, userID int64, beforeID *int64, limit int) ([]models.HydratedMessage, error) {
	if _, err := s.conversations.RequireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	page := clampPage(models.Page{Limit: limit})

	newest, err := s.messages.ListMessages(ctx, conversationID, beforeID, page.Limit)
	if err != nil {
		return nil, err
	}
	ordered := make([]models.Message, len(newest))
	for i, m := range newest {
		ordered[len(newest)-1-i] = m
	}
	return s.hydrate(ctx, ordered), nil
}

// Reactions lists the reactions of a message visible to the caller.
func (s *MessageService) Reactions(ctx context.Context, messageID, userID int64) ([]models.Reaction, error) {
	if _, err := s.visibleMessage(ctx, messageID, userID); err != nil {
		return nil, err
	}
	return s.messages.ListReactions(ctx, messageID)
}

// Receipts lists who has acknowledged a message.
func (s *MessageService) Receipts(ctx context.Context, messageID, userID int64) ([]models.ReadReceipt, error) {
	if _, err := s.visibleMessage(ctx, messageID, userID); err != nil {
		return nil, err
	}
	return s.messages.ListReceipts(ctx, messageID)
}

// hydrate attaches sender summaries and reply previews. Reply targets
// outside msgs are loaded individually; a target that cannot be loaded is
// left out.
func (s *MessageService) hydrate(ctx context.Context, msgs []models.Message) []models.HydratedMessage {
	known := make(map[int64]models.Message, len(msgs))
	for _, m := range msgs {
		known[m.ID] = m
	}

	out := make([]models.HydratedMessage, 0, len(msgs))
	for _, m := range msgs {
		h := models.HydratedMessage{Message: m, Sender: s.users.Summary(m.SenderID)}
		if m.Deleted() {
			h.ReplyToID = nil
			out = append(out, h)
			continue
		}
		if m.ReplyToID != nil {
			target, ok := known[*m.ReplyToID]
			if !ok {
				loaded, err := s.messages.GetMessage(ctx, *m.ReplyToID)
				if err != nil {
					s.logger.Debug("reply target unavailable", zap.Int64("message_id", m.ID), zap.Error(err))
				} else {
					target, ok = loaded, true
					known[loaded.ID] = loaded
				}
			}
			if ok {
				h.ReplyTo = target.Preview()
			}
		}
		out = append(out, h)
	}
	return out
}

func observeOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.Code(err)
	}
	observability.ObserveMessageOp(operation, result)
}
