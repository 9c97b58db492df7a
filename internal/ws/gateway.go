package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"messaging-service/internal/apperr"
	"messaging-service/internal/auth"
	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/services"
)

const (
	metricsKind     = "gateway"
	eventRoutingKey = "ws_events.gateway"
	actionTimeout   = 10 * time.Second
)

// Inbound actions.
const (
	ActionJoin         = "conversation:join"
	ActionLeave        = "conversation:leave"
	ActionSend         = "message:send"
	ActionRead         = "messages:read"
	ActionReactionAdd  = "reaction:add"
	ActionReactionDrop = "reaction:remove"
	ActionTypingStart  = "typing:start"
	ActionTypingStop   = "typing:stop"
)

// Memberships answers which conversations a connection may subscribe to.
type Memberships interface {
	ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	RequireParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error)
}

// Messenger executes the message actions received over a socket.
type Messenger interface {
	Send(ctx context.Context, in services.SendInput) (models.HydratedMessage, error)
	MarkRead(ctx context.Context, conversationID, userID int64, messageIDs []int64) (services.ReadResult, error)
	React(ctx context.Context, messageID, userID int64, emoji string) error
	Unreact(ctx context.Context, messageID, userID int64, emoji string) error
}

// GatewayOptions tunes per-connection limits.
type GatewayOptions struct {
	SendBuffer int
	RateRPS    float64
	RateBurst  int
}

type inboundFrame struct {
	Type           string             `json:"type"`
	Ref            string             `json:"ref,omitempty"`
	ConversationID int64              `json:"conversation_id"`
	MessageID      int64              `json:"message_id"`
	MessageType    models.MessageType `json:"message_type"`
	Payload        json.RawMessage    `json:"payload"`
	ReplyToID      *int64             `json:"reply_to_id"`
	MessageIDs     []int64            `json:"message_ids"`
	Emoji          string             `json:"emoji"`
}

type ackFrame struct {
	Type   string `json:"type"`
	Ref    string `json:"ref,omitempty"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Gateway authenticates websocket connections and routes their frames.
type Gateway struct {
	hub         *Hub
	registry    *presence.Registry
	verifier    auth.Verifier
	users       *directory.Cache
	memberships Memberships
	messenger   Messenger
	opts        GatewayOptions
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// NewGateway constructs a Gateway.
func NewGateway(hub *Hub, registry *presence.Registry, verifier auth.Verifier, users *directory.Cache, memberships Memberships, messenger Messenger, opts GatewayOptions, logger *zap.Logger) *Gateway {
	return &Gateway{
		hub:         hub,
		registry:    registry,
		verifier:    verifier,
		users:       users,
		memberships: memberships,
		messenger:   messenger,
		opts:        opts,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the request, upgrades it and starts the pumps.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	g.users.Remember(identity.UserID, identity.Username)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	meta := observability.ClientMetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		Username:    identity.Username,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	var limiter *rate.Limiter
	if g.opts.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.opts.RateRPS), g.opts.RateBurst)
	}
	client := newClient(conn, info, g.opts.SendBuffer, limiter)

	g.hub.Attach(client)
	g.hub.Join(models.PersonalChannel(info.UserID), client)
	conversations, err := g.subscribe(ctx, client)
	if err != nil {
		g.logger.Error("load conversations for connection", zap.Int64("user_id", info.UserID), zap.Error(err))
		g.hub.Detach(client)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to load conversations"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	g.registry.Register(info.UserID, info.ConnID)

	observability.IncWSActive(metricsKind)
	observability.IncWSEvent(metricsKind, "ws_connect")
	g.publishLifecycle(ctx, info, "ws_connect", "")
	g.logger.Info("websocket connected",
		zap.String("conn_id", info.ConnID), zap.Int64("user_id", info.UserID), zap.Int("conversations", conversations))

	connCtx := context.WithoutCancel(ctx)
	go client.writePump()
	go g.serve(connCtx, client)
}

// subscribe joins client to the user's active conversations. The client is
// attached before the first load, so JoinUser and LeaveUser calls that race
// with it still reach the connection; the second load drops conversations the
// user left while the first result was being applied.
func (g *Gateway) subscribe(ctx context.Context, client *Client) (int, error) {
	userID := client.info.UserID
	ids, err := g.memberships.ActiveConversationIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		g.hub.Join(models.ConversationChannel(id), client)
	}

	current, err := g.memberships.ActiveConversationIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	active := make(map[int64]struct{}, len(current))
	for _, id := range current {
		active[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := active[id]; !ok {
			g.hub.Leave(models.ConversationChannel(id), client)
		}
	}
	return len(current), nil
}

// serve runs the read loop and tears the connection down when it ends.
func (g *Gateway) serve(ctx context.Context, client *Client) {
	err := client.readPump(func(frame []byte) {
		g.handleFrame(ctx, client, frame)
	})

	reason := ""
	if err != nil {
		reason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			observability.IncWSEvent(metricsKind, "ws_error")
			g.publishLifecycle(ctx, client.info, "ws_error", reason)
		}
	}
	g.disconnect(ctx, client, reason)
}

func (g *Gateway) disconnect(ctx context.Context, client *Client, reason string) {
	client.close()
	g.hub.Detach(client)
	g.registry.Unregister(client.info.ConnID)

	observability.DecWSActive(metricsKind)
	observability.IncWSEvent(metricsKind, "ws_disconnect")
	g.publishLifecycle(ctx, client.info, "ws_disconnect", reason)
	g.logger.Info("websocket disconnected",
		zap.String("conn_id", client.info.ConnID), zap.Int64("user_id", client.info.UserID), zap.String("reason", reason))
}

// Shutdown closes every open connection. Each connection's read loop then
// performs the usual cleanup.
func (g *Gateway) Shutdown() {
	for _, client := range g.hub.clients() {
		client.close()
	}
}

func (g *Gateway) publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	err := observability.PublishEvent(ctx, eventRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   info.lifecyclePayload(event, reason),
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	if err != nil {
		g.logger.Warn("publish websocket lifecycle event", zap.String("event", event), zap.Error(err))
	}
}

func (g *Gateway) handleFrame(ctx context.Context, client *Client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.reply(client, ackFrame{Action: "unknown", Error: "malformed frame", Code: apperr.Code(apperr.ErrInvalidArgument)})
		return
	}
	if !client.allow() {
		observability.IncWSEvent(metricsKind, "rate_limited")
		if !isTyping(frame.Type) {
			g.reply(client, ackFrame{Ref: frame.Ref, Action: frame.Type, Error: "too many frames", Code: "rate_limited"})
		}
		return
	}

	userID := client.info.UserID
	switch frame.Type {
	case ActionTypingStart, ActionTypingStop:
		g.relayTyping(client, frame)
		return
	case ActionLeave:
		g.hub.Leave(models.ConversationChannel(frame.ConversationID), client)
		g.ack(client, frame, nil, nil)
		return
	}

	actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch frame.Type {
	case ActionJoin:
		if _, err = g.memberships.RequireParticipant(actionCtx, frame.ConversationID, userID); err == nil {
			g.hub.Join(models.ConversationChannel(frame.ConversationID), client)
		}
	case ActionSend:
		var payload models.Payload
		msgType := frame.MessageType
		if msgType == "" {
			msgType = models.TypeText
		}
		if payload, err = models.DecodePayload(msgType, frame.Payload); err == nil {
			data, err = g.messenger.Send(actionCtx, services.SendInput{
				ConversationID: frame.ConversationID,
				SenderID:       userID,
				Payload:        payload,
				ReplyToID:      frame.ReplyToID,
			})
		}
	case ActionRead:
		data, err = g.messenger.MarkRead(actionCtx, frame.ConversationID, userID, frame.MessageIDs)
	case ActionReactionAdd:
		err = g.messenger.React(actionCtx, frame.MessageID, userID, frame.Emoji)
	case ActionReactionDrop:
		err = g.messenger.Unreact(actionCtx, frame.MessageID, userID, frame.Emoji)
	default:
		err = fmt.Errorf("%w: unknown action %q", apperr.ErrInvalidArgument, frame.Type)
	}
	if err != nil && apperr.Code(err) == "internal" {
		g.logger.Error("websocket action failed",
			zap.String("action", frame.Type), zap.Int64("user_id", userID), zap.Error(err))
	}
	g.ack(client, frame, data, err)
}

func (g *Gateway) relayTyping(client *Client, frame inboundFrame) {
	channel := models.ConversationChannel(frame.ConversationID)
	if !g.hub.Subscribed(channel, client) {
		return
	}
	g.hub.BroadcastExcept(channel, models.Event{
		Type:           frame.Type,
		ConversationID: frame.ConversationID,
		Data:           models.TypingData{UserID: client.info.UserID, Payload: frame.Payload},
	}, client.info.UserID)
}

func (g *Gateway) ack(client *Client, frame inboundFrame, data any, err error) {
	ack := ackFrame{Ref: frame.Ref, Action: frame.Type, OK: err == nil, Data: data}
	if err != nil {
		ack.Data = nil
		ack.Error = apperr.Message(err)
		ack.Code = apperr.Code(err)
	}
	g.reply(client, ack)
}

func (g *Gateway) reply(client *Client, ack ackFrame) {
	ack.Type = "ack"
	payload, err := json.Marshal(ack)
	if err != nil {
		g.logger.Error("encode ack", zap.Error(err))
		return
	}
	if !client.enqueue(payload) {
		observability.IncBroadcastDropped()
	}
}

func isTyping(action string) bool {
	return action == ActionTypingStart || action == ActionTypingStop
}
