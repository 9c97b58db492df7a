package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

// NewMessage is the input for MessageRepository.CreateMessage.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Payload        models.Payload
	ReplyToID      *int64
}

// MessageRepository defines interactions for messages, receipts and reactions.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg NewMessage) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int64, beforeID *int64, limit int) ([]models.Message, error)
	UpdatePayload(ctx context.Context, messageID int64, payload models.Payload) (models.Message, error)
	SoftDelete(ctx context.Context, messageID int64) (models.Message, error)
	AddReceipts(ctx context.Context, conversationID int64, userID int64, messageIDs []int64) ([]int64, error)
	ListReceipts(ctx context.Context, messageID int64) ([]models.ReadReceipt, error)
	AddReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID int64) ([]models.Reaction, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, type, content, media_ref, metadata, reply_to_id, state, edited_at, deleted_at, created_at`

type messageRow struct {
	ID             int64               `db:"id"`
	ConversationID int64               `db:"conversation_id"`
	SenderID       int64               `db:"sender_id"`
	Type           models.MessageType  `db:"type"`
	Content        string              `db:"content"`
	MediaRef       *string             `db:"media_ref"`
	Metadata       []byte              `db:"metadata"`
	ReplyToID      *int64              `db:"reply_to_id"`
	State          models.MessageState `db:"state"`
	EditedAt       *time.Time          `db:"edited_at"`
	DeletedAt      *time.Time          `db:"deleted_at"`
	CreatedAt      time.Time           `db:"created_at"`
}

func (row messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Type:           row.Type,
		ReplyToID:      row.ReplyToID,
		State:          row.State,
		EditedAt:       row.EditedAt,
		DeletedAt:      row.DeletedAt,
		CreatedAt:      row.CreatedAt,
	}
	if msg.Deleted() {
		return msg, nil
	}
	payload, err := models.DecodePayload(row.Type, row.Metadata)
	if err != nil {
		return models.Message{}, fmt.Errorf("decode message %d: %w", row.ID, err)
	}
	msg.Payload = payload
	return msg, nil
}

// encodePayload maps a payload variant onto the storage columns: the text
// body goes to content, the media URL to media_ref and the whole variant to
// metadata.
func encodePayload(p models.Payload) (string, *string, string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, "", err
	}
	metadata := string(raw)
	var content, url string
	switch v := p.(type) {
	case models.TextPayload:
		content = v.Text
	case models.SystemPayload:
		content = v.Text
	case models.ImagePayload:
		content, url = v.Caption, v.URL
	case models.VideoPayload:
		content, url = v.Caption, v.URL
	case models.FilePayload:
		content, url = v.Name, v.URL
	case models.AudioPayload:
		url = v.URL
	case models.LocationPayload:
		content = v.Label
	}
	if url == "" {
		return content, nil, metadata, nil
	}
	return content, &url, metadata, nil
}

// CreateMessage stores a message and bumps the conversation's last activity
// in one transaction. The insert only succeeds while the sender is an active
// participant. last_message_at never moves backwards when an older
// transaction commits after a newer one.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg NewMessage) (created models.Message, err error) {
	content, mediaRef, metadata, err := encodePayload(msg.Payload)
	if err != nil {
		return models.Message{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row messageRow
	err = tx.GetContext(ctx, &row, `INSERT INTO messages (conversation_id, sender_id, type, content, media_ref, metadata, reply_to_id)
        SELECT $1::bigint, $2::bigint, $3, $4, $5, $6::jsonb, $7::bigint
        WHERE EXISTS (SELECT 1 FROM participants WHERE conversation_id=$1 AND user_id=$2 AND state = 'active')
        RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.Payload.Type(), content, mediaRef, metadata, msg.ReplyToID)
	if errors.Is(err, sql.ErrNoRows) {
		err = apperr.ErrNotAParticipant
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations
        SET last_message_at = GREATEST(COALESCE(last_message_at, $2::timestamptz), $2::timestamptz)
        WHERE id=$1`, row.ConversationID, row.CreatedAt); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// GetMessage retrieves a single message, deleted or not.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// ListMessages returns up to limit messages that sort before the cursor
// message beforeID (or the newest ones when beforeID is nil), newest first.
// Order and cursor both use (created_at, id); under concurrent sends id order
// alone does not follow created_at. A cursor outside the conversation yields
// an empty page.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int64, beforeID *int64, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND ($2::bigint IS NULL OR (created_at, id) < (
            SELECT c.created_at, c.id FROM messages c WHERE c.id = $2::bigint AND c.conversation_id = $1
        ))
        ORDER BY created_at DESC, id DESC
        LIMIT $3`, conversationID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	return toModels(rows)
}

// UpdatePayload replaces the body of a live message and marks it edited.
func (r *MessageRepo) UpdatePayload(ctx context.Context, messageID int64, payload models.Payload) (models.Message, error) {
	content, mediaRef, metadata, err := encodePayload(payload)
	if err != nil {
		return models.Message{}, err
	}
	var row messageRow
	err = r.db.GetContext(ctx, &row, `UPDATE messages
        SET content=$2, media_ref=$3, metadata=$4::jsonb, state = 'edited', edited_at = NOW()
        WHERE id=$1 AND state <> 'deleted'
        RETURNING `+messageColumns, messageID, content, mediaRef, metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// SoftDelete moves a message to its terminal deleted state. The stored
// content is kept for audit.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `UPDATE messages SET state = 'deleted', deleted_at = NOW()
        WHERE id=$1 AND state <> 'deleted'
        RETURNING `+messageColumns, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// AddReceipts records read receipts for the given ids that belong to the
// conversation. Existing receipts are left untouched. It returns only the ids
// whose receipt was inserted by this call.
func (r *MessageRepo) AddReceipts(ctx context.Context, conversationID int64, userID int64, messageIDs []int64) ([]int64, error) {
	inserted := []int64{}
	err := r.db.SelectContext(ctx, &inserted, `WITH valid AS (
            SELECT id FROM messages WHERE conversation_id=$1 AND id = ANY($3::bigint[])
        ), inserted AS (
            INSERT INTO read_receipts (message_id, user_id)
            SELECT id, $2::bigint FROM valid
            ON CONFLICT (message_id, user_id) DO NOTHING
            RETURNING message_id
        )
        SELECT message_id FROM inserted ORDER BY message_id`, conversationID, userID, pq.Array(messageIDs))
	return inserted, err
}

// ListReceipts returns the receipts recorded for a message.
func (r *MessageRepo) ListReceipts(ctx context.Context, messageID int64) ([]models.ReadReceipt, error) {
	receipts := []models.ReadReceipt{}
	err := r.db.SelectContext(ctx, &receipts, `SELECT message_id, user_id, read_at FROM read_receipts
        WHERE message_id=$1 ORDER BY read_at ASC`, messageID)
	return receipts, err
}

// AddReaction inserts the triple. It returns false when it already existed.
func (r *MessageRepo) AddReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id, emoji) DO NOTHING`, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// RemoveReaction deletes the caller's own triple. It returns false when there
// was nothing to remove.
func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID int64, userID int64, emoji string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// ListReactions returns every reaction on a message in insertion order.
func (r *MessageRepo) ListReactions(ctx context.Context, messageID int64) ([]models.Reaction, error) {
	reactions := []models.Reaction{}
	err := r.db.SelectContext(ctx, &reactions, `SELECT message_id, user_id, emoji, created_at FROM reactions
        WHERE message_id=$1 ORDER BY created_at ASC, user_id ASC, emoji ASC`, messageID)
	return reactions, err
}

func toModels(rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
