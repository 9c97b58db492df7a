package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher is the transport audit envelopes are written to.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// AuditEmitter records security-relevant actions such as membership and
// moderation changes.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *int64       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Action         string `json:"action"`
	Text           string `json:"text"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// Emit publishes one audit record. Failures are logged and swallowed.
func (e *AuditEmitter) Emit(ctx context.Context, requestID string, userID *int64, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}
	if payload.Level == "" {
		payload.Level = "INFO"
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	e.logger.Debug("audit emit",
		zap.String("action", payload.Action), zap.String("request_id", requestID), zap.Int64p("user_id", userID))
	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", zap.String("action", payload.Action), zap.Error(err))
	}
}
