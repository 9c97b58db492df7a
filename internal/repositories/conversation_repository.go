package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	CreateOrGetDirect(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error)
	CreateGroup(ctx context.Context, creatorID int64, title string, memberIDs []int64) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	GetParticipant(ctx context.Context, conversationID int64, userID int64) (models.Participant, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error)
	ListConversations(ctx context.Context, userID int64, page models.Page) ([]models.ConversationSummary, error)
	ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error)
	Leave(ctx context.Context, conversationID int64, userID int64) error
	ToggleMute(ctx context.Context, conversationID int64, userID int64) (bool, error)
	MarkRead(ctx context.Context, conversationID int64, userID int64) (time.Time, error)
	UnreadCount(ctx context.Context, conversationID int64, userID int64) (int64, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, kind, title, creator_id, direct_user_low, direct_user_high, last_message_at, created_at`

const participantColumns = `conversation_id, user_id, role, state, is_muted, last_read_at, joined_at, left_at`

// CreateOrGetDirect returns the direct conversation for the unordered pair,
// creating it with both participants when missing. The bool reports whether
// this call created it. Concurrent creators race on the pair's unique index;
// the loser fetches the winner's row.
func (r *ConversationRepo) CreateOrGetDirect(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error) {
	if userID == peerID {
		return models.Conversation{}, false, fmt.Errorf("%w: cannot start a conversation with yourself", apperr.ErrInvalidArgument)
	}
	low, high := models.DirectPair(userID, peerID)

	conv, err := r.findDirect(ctx, low, high)
	if err == nil {
		return conv, false, r.reactivate(ctx, conv.ID)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return models.Conversation{}, false, err
	}

	conv, err = r.insertDirect(ctx, userID, low, high)
	if isUniqueViolation(err) {
		if conv, err = r.findDirect(ctx, low, high); err != nil {
			return models.Conversation{}, false, err
		}
		return conv, false, r.reactivate(ctx, conv.ID)
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

func (r *ConversationRepo) findDirect(ctx context.Context, low, high int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations
        WHERE kind = 'direct' AND direct_user_low=$1 AND direct_user_high=$2`, low, high)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("direct conversation: %w", apperr.ErrNotFound)
	}
	return conv, err
}

func (r *ConversationRepo) insertDirect(ctx context.Context, creatorID, low, high int64) (conv models.Conversation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &conv, `INSERT INTO conversations (kind, creator_id, direct_user_low, direct_user_high)
        VALUES ('direct', $1, $2, $3) RETURNING `+conversationColumns, creatorID, low, high); err != nil {
		return models.Conversation{}, err
	}
	for _, id := range []int64{low, high} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, 'member')`, conv.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// reactivate brings back participants of a direct conversation who had left,
// so the pair keeps exactly two active members.
func (r *ConversationRepo) reactivate(ctx context.Context, conversationID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE participants SET state = 'active', left_at = NULL
        WHERE conversation_id=$1 AND state = 'left'`, conversationID)
	return err
}

// CreateGroup creates a group conversation and its members atomically. The
// creator becomes admin; memberIDs must already be deduplicated and exclude
// the creator.
func (r *ConversationRepo) CreateGroup(ctx context.Context, creatorID int64, title string, memberIDs []int64) (conv models.Conversation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &conv, `INSERT INTO conversations (kind, title, creator_id)
        VALUES ('group', $1, $2) RETURNING `+conversationColumns, title, creatorID); err != nil {
		return models.Conversation{}, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, 'admin')`, conv.ID, creatorID); err != nil {
		return models.Conversation{}, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, role)
        SELECT $1::bigint, unnest($2::bigint[]), 'member'`, conv.ID, pq.Array(memberIDs)); err != nil {
		return models.Conversation{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("conversation %d: %w", conversationID, apperr.ErrNotFound)
	}
	return conv, err
}

// GetParticipant fetches the membership row, active or not.
func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID int64, userID int64) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM participants
        WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, fmt.Errorf("participant: %w", apperr.ErrNotFound)
	}
	return p, err
}

// ListParticipants returns the active members ordered by join time.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	participants := []models.Participant{}
	err := r.db.SelectContext(ctx, &participants, `SELECT `+participantColumns+` FROM participants
        WHERE conversation_id=$1 AND state = 'active' ORDER BY joined_at ASC, user_id ASC`, conversationID)
	return participants, err
}

// ListConversations returns the user's active conversations, most recently
// active first, each with its unread count.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int64, page models.Page) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.kind, c.title, c.creator_id, c.direct_user_low, c.direct_user_high, c.last_message_at, c.created_at,
            p.is_muted,
            (SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = c.id AND m.sender_id <> p.user_id AND m.state <> 'deleted'
                AND m.created_at > COALESCE(p.last_read_at, 'epoch'::timestamptz)) AS unread_count
        FROM conversations c
        INNER JOIN participants p ON p.conversation_id = c.id
        WHERE p.user_id=$1 AND p.state = 'active'
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
        LIMIT $2 OFFSET $3`
	summaries := []models.ConversationSummary{}
	err := r.db.SelectContext(ctx, &summaries, query, userID, page.Limit, page.Offset)
	return summaries, err
}

// ActiveConversationIDs lists every conversation the user currently belongs to.
func (r *ConversationRepo) ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids := []int64{}
	err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM participants WHERE user_id=$1 AND state = 'active'`, userID)
	return ids, err
}

// AddParticipants inserts new members or reactivates members who left. It
// returns the ids that were actually added.
func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	added := []int64{}
	err := r.db.SelectContext(ctx, &added, `INSERT INTO participants (conversation_id, user_id, role)
        SELECT $1::bigint, unnest($2::bigint[]), 'member'
        ON CONFLICT (conversation_id, user_id) DO UPDATE
            SET state = 'active', left_at = NULL, joined_at = NOW()
            WHERE participants.state = 'left'
        RETURNING user_id`, conversationID, pq.Array(userIDs))
	return added, err
}

// Leave marks the participant as left. History is retained.
func (r *ConversationRepo) Leave(ctx context.Context, conversationID int64, userID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE participants SET state = 'left', left_at = NOW()
        WHERE conversation_id=$1 AND user_id=$2 AND state = 'active'`, conversationID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return apperr.ErrNotAParticipant
	}
	return nil
}

// ToggleMute flips the participant's mute flag and returns the new value.
func (r *ConversationRepo) ToggleMute(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	var muted bool
	err := r.db.GetContext(ctx, &muted, `UPDATE participants SET is_muted = NOT is_muted
        WHERE conversation_id=$1 AND user_id=$2 AND state = 'active' RETURNING is_muted`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.ErrNotAParticipant
	}
	return muted, err
}

// MarkRead advances the participant's read checkpoint to now.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID int64, userID int64) (time.Time, error) {
	var readAt time.Time
	err := r.db.GetContext(ctx, &readAt, `UPDATE participants SET last_read_at = NOW()
        WHERE conversation_id=$1 AND user_id=$2 AND state = 'active' RETURNING last_read_at`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, apperr.ErrNotAParticipant
	}
	return readAt, err
}

// UnreadCount counts messages from other senders after the read checkpoint.
func (r *ConversationRepo) UnreadCount(ctx context.Context, conversationID int64, userID int64) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages m
        INNER JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id=$2
        WHERE m.conversation_id=$1 AND m.sender_id <> $2 AND m.state <> 'deleted'
        AND m.created_at > COALESCE(p.last_read_at, 'epoch'::timestamptz)`, conversationID, userID)
	return count, err
}
