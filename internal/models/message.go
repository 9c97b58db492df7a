package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"messaging-service/internal/apperr"
)

// MessageType names the payload variant carried by a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeFile     MessageType = "file"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeLocation MessageType = "location"
	TypeSystem   MessageType = "system"
)

// MessageState is the message lifecycle: active -> edited* -> deleted.
type MessageState string

const (
	MessageActive  MessageState = "active"
	MessageEdited  MessageState = "edited"
	MessageDeleted MessageState = "deleted"
)

// Payload is one of the message variants below.
type Payload interface {
	Type() MessageType
	Validate() error
}

// Editable payloads expose a text body that may be replaced by the sender.
type Editable interface {
	Payload
	WithText(text string) Payload
}

type TextPayload struct {
	Text string `json:"text"`
}

type ImagePayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

type FilePayload struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type AudioPayload struct {
	URL        string `json:"url"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type VideoPayload struct {
	URL        string `json:"url"`
	Caption    string `json:"caption,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

type SystemPayload struct {
	Text string `json:"text"`
}

func (TextPayload) Type() MessageType     { return TypeText }
func (ImagePayload) Type() MessageType    { return TypeImage }
func (FilePayload) Type() MessageType     { return TypeFile }
func (AudioPayload) Type() MessageType    { return TypeAudio }
func (VideoPayload) Type() MessageType    { return TypeVideo }
func (LocationPayload) Type() MessageType { return TypeLocation }
func (SystemPayload) Type() MessageType   { return TypeSystem }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required", apperr.ErrInvalidArgument)
	}
	return nil
}

func (p ImagePayload) Validate() error { return requireURL(p.URL) }
func (p AudioPayload) Validate() error { return requireURL(p.URL) }
func (p VideoPayload) Validate() error { return requireURL(p.URL) }

func (p FilePayload) Validate() error {
	if err := requireURL(p.URL); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: file name is required", apperr.ErrInvalidArgument)
	}
	return nil
}

func (p LocationPayload) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", apperr.ErrInvalidArgument)
	}
	return nil
}

func (p SystemPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required", apperr.ErrInvalidArgument)
	}
	return nil
}

func (p TextPayload) WithText(text string) Payload {
	p.Text = text
	return p
}

func (p ImagePayload) WithText(text string) Payload {
	p.Caption = text
	return p
}

func (p VideoPayload) WithText(text string) Payload {
	p.Caption = text
	return p
}

func requireURL(url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: media url is required", apperr.ErrInvalidArgument)
	}
	return nil
}

// DecodePayload builds the variant named by t from its JSON body.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeText:
		p = &TextPayload{}
	case TypeImage:
		p = &ImagePayload{}
	case TypeFile:
		p = &FilePayload{}
	case TypeAudio:
		p = &AudioPayload{}
	case TypeVideo:
		p = &VideoPayload{}
	case TypeLocation:
		p = &LocationPayload{}
	case TypeSystem:
		p = &SystemPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", apperr.ErrInvalidArgument, t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: malformed %s payload", apperr.ErrInvalidArgument, t)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TextPayload:
		return *v
	case *ImagePayload:
		return *v
	case *FilePayload:
		return *v
	case *AudioPayload:
		return *v
	case *VideoPayload:
		return *v
	case *LocationPayload:
		return *v
	case *SystemPayload:
		return *v
	}
	return p
}

// Message is a stored message with its decoded payload. Deleted messages
// keep id and position but carry no payload.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation_id"`
	SenderID       int64        `json:"sender_id"`
	Type           MessageType  `json:"type"`
	Payload        Payload      `json:"payload,omitempty"`
	ReplyToID      *int64       `json:"reply_to_id,omitempty"`
	State          MessageState `json:"state"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Deleted reports whether the message reached its terminal state.
func (m Message) Deleted() bool {
	return m.State == MessageDeleted
}

// UserSummary identifies a sender in hydrated messages.
type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// MessagePreview is the resolved reply target.
type MessagePreview struct {
	ID       int64        `json:"id"`
	SenderID int64        `json:"sender_id"`
	Type     MessageType  `json:"type"`
	Payload  Payload      `json:"payload,omitempty"`
	State    MessageState `json:"state"`
}

// HydratedMessage is what clients receive: the message, its sender and the
// message it replies to.
type HydratedMessage struct {
	Message
	Sender  UserSummary     `json:"sender"`
	ReplyTo *MessagePreview `json:"reply_to,omitempty"`
}

// Preview strips a message down to its reply preview.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{ID: m.ID, SenderID: m.SenderID, Type: m.Type, Payload: m.Payload, State: m.State}
}

// Reaction is a (message, user, emoji) triple.
type Reaction struct {
	MessageID int64     `db:"message_id" json:"message_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Emoji     string    `db:"emoji" json:"emoji"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ReadReceipt records an explicit message-level acknowledgement.
type ReadReceipt struct {
	MessageID int64     `db:"message_id" json:"message_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}
