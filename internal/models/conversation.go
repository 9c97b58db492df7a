package models

import "time"

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ParticipantRole is the role a user holds inside a conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

// ParticipantState tracks membership lifecycle. Left participants stay
// stored for audit but are excluded from broadcast and unread counts.
type ParticipantState string

const (
	ParticipantActive ParticipantState = "active"
	ParticipantLeft   ParticipantState = "left"
)

// Conversation is a direct or group conversation.
type Conversation struct {
	ID             int64            `db:"id" json:"id"`
	Kind           ConversationKind `db:"kind" json:"kind"`
	Title          *string          `db:"title" json:"title,omitempty"`
	CreatorID      int64            `db:"creator_id" json:"creator_id"`
	DirectUserLow  *int64           `db:"direct_user_low" json:"-"`
	DirectUserHigh *int64           `db:"direct_user_high" json:"-"`
	LastMessageAt  *time.Time       `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// Participant links a user to a conversation.
type Participant struct {
	ConversationID int64            `db:"conversation_id" json:"conversation_id"`
	UserID         int64            `db:"user_id" json:"user_id"`
	Role           ParticipantRole  `db:"role" json:"role"`
	State          ParticipantState `db:"state" json:"state"`
	IsMuted        bool             `db:"is_muted" json:"is_muted"`
	LastReadAt     *time.Time       `db:"last_read_at" json:"last_read_at,omitempty"`
	JoinedAt       time.Time        `db:"joined_at" json:"joined_at"`
	LeftAt         *time.Time       `db:"left_at" json:"left_at,omitempty"`
}

// Active reports whether the participant still belongs to the conversation.
func (p Participant) Active() bool {
	return p.State == ParticipantActive
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	Conversation
	IsMuted     bool  `db:"is_muted" json:"is_muted"`
	UnreadCount int64 `db:"unread_count" json:"unread_count"`
}

// ConversationDetail adds the active participant list to a summary.
type ConversationDetail struct {
	ConversationSummary
	Participants []Participant `json:"participants"`
}

// DirectPair returns the ordered pair stored for a direct conversation.
func DirectPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}
