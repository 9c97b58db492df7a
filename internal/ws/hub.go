package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/relay"
)

// Relay forwards broadcasts to other processes.
type Relay interface {
	Publish(ctx context.Context, env relay.Envelope) error
}

// Hub fans events out to every client joined to a channel. Delivery is
// at-most-once and best-effort: a client whose send queue is full misses the
// event.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	users    map[int64]map[*Client]struct{}

	outbound chan relay.Envelope
	nodeID   string
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]struct{}),
		users:    make(map[int64]map[*Client]struct{}),
		nodeID:   newConnID(),
		logger:   logger,
	}
}

const relayQueueSize = 1024

// StartRelay mirrors every subsequent local broadcast through r until ctx is
// done. Envelopes are forwarded in order by a single goroutine so network
// I/O never runs under the hub or registry locks. Call it once, before
// serving connections.
func (h *Hub) StartRelay(ctx context.Context, r Relay) {
	h.outbound = make(chan relay.Envelope, relayQueueSize)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-h.outbound:
				if err := r.Publish(ctx, env); err != nil {
					h.logger.Warn("relay publish failed", zap.String("channel", env.Channel), zap.Error(err))
				}
			}
		}
	}()
}

// Attach makes c addressable by user. It does not join any channel.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.info.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.info.UserID] = set
	}
	set[c] = struct{}{}
}

// Detach removes c from every channel and from the user index.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range c.channels {
		h.removeLocked(channel, c)
	}
	if set, ok := h.users[c.info.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.info.UserID)
		}
	}
}

// Join subscribes c to channel.
func (h *Hub) Join(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(channel, c)
}

// Leave unsubscribes c from channel.
func (h *Hub) Leave(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, c)
}

// JoinUser subscribes every open connection of userID to channel.
func (h *Hub) JoinUser(channel string, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.users[userID] {
		h.joinLocked(channel, c)
	}
}

// LeaveUser unsubscribes every open connection of userID from channel.
func (h *Hub) LeaveUser(channel string, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.users[userID] {
		h.removeLocked(channel, c)
	}
}

// Subscribed reports whether c has joined channel.
func (h *Hub) Subscribed(channel string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][c]
	return ok
}

// ChannelSize returns the number of clients joined to channel.
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) joinLocked(channel string, c *Client) {
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) removeLocked(channel string, c *Client) {
	delete(c.channels, channel)
	if set, ok := h.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Broadcast sends event to every client joined to channel.
func (h *Hub) Broadcast(channel string, event models.Event) {
	h.dispatch(channel, event, 0)
}

// BroadcastExcept sends event to channel, skipping the connections of
// exceptUser.
func (h *Hub) BroadcastExcept(channel string, event models.Event, exceptUser int64) {
	h.dispatch(channel, event, exceptUser)
}

// BroadcastAll sends event to every connected client except exceptUser's.
func (h *Hub) BroadcastAll(event models.Event, exceptUser int64) {
	h.dispatch("", event, exceptUser)
}

// AnnouncePresence emits user:online / user:offline. It is the registry's
// transition callback and never blocks.
func (h *Hub) AnnouncePresence(userID int64, online bool) {
	event := models.Event{Type: models.EventUserOffline, Data: models.UserData{UserID: userID}}
	if online {
		event.Type = models.EventUserOnline
		observability.IncOnlineUsers()
	} else {
		observability.DecOnlineUsers()
	}
	h.BroadcastAll(event, userID)
}

func (h *Hub) dispatch(channel string, event models.Event, exceptUser int64) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode broadcast event", zap.String("event", event.Type), zap.Error(err))
		return
	}
	observability.IncBroadcast(event.Type)
	h.deliver(channel, payload, exceptUser)

	if h.outbound != nil {
		select {
		case h.outbound <- relay.Envelope{Node: h.nodeID, Channel: channel, ExceptUser: exceptUser, Payload: payload}:
		default:
			observability.IncBroadcastDropped()
			h.logger.Warn("relay queue full, event not mirrored", zap.String("channel", channel))
		}
	}
}

// DeliverRemote hands an envelope received from another node to local
// clients. Envelopes published by this node are ignored.
func (h *Hub) DeliverRemote(env relay.Envelope) {
	if env.Node == h.nodeID {
		return
	}
	h.deliver(env.Channel, env.Payload, env.ExceptUser)
}

func (h *Hub) deliver(channel string, payload []byte, exceptUser int64) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.channels[channel]))
	if channel == "" {
		for userID, set := range h.users {
			if userID == exceptUser {
				continue
			}
			for c := range set {
				targets = append(targets, c)
			}
		}
	} else {
		for c := range h.channels[channel] {
			if exceptUser != 0 && c.info.UserID == exceptUser {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			observability.IncBroadcastDropped()
			h.logger.Warn("dropping event for slow connection",
				zap.String("conn_id", c.info.ConnID), zap.Int64("user_id", c.info.UserID), zap.String("channel", channel))
		}
	}
}

func (h *Hub) clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, set := range h.users {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}
