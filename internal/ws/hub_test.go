package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/relay"
)

func testClient(userID int64, buffer int) *Client {
	return newClient(nil, ConnInfo{ConnID: newConnID(), UserID: userID}, buffer, nil)
}

func drain(c *Client) []models.Event {
	var events []models.Event
	for {
		select {
		case payload := <-c.send:
			var ev models.Event
			if err := json.Unmarshal(payload, &ev); err == nil {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
}

func eventTypes(events []models.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestHubBroadcastReachesOnlyJoinedClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice, bob, carol := testClient(1, 4), testClient(2, 4), testClient(3, 4)
	for _, c := range []*Client{alice, bob, carol} {
		hub.Attach(c)
	}
	channel := models.ConversationChannel(10)
	hub.Join(channel, alice)
	hub.Join(channel, bob)

	hub.Broadcast(channel, models.Event{Type: models.EventMessageNew, ConversationID: 10})

	assert.Equal(t, []string{models.EventMessageNew}, eventTypes(drain(alice)))
	assert.Equal(t, []string{models.EventMessageNew}, eventTypes(drain(bob)))
	assert.Empty(t, drain(carol))
}

func TestHubBroadcastExceptSkipsEveryConnectionOfUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	phone, laptop, peer := testClient(1, 4), testClient(1, 4), testClient(2, 4)
	channel := models.ConversationChannel(3)
	for _, c := range []*Client{phone, laptop, peer} {
		hub.Attach(c)
		hub.Join(channel, c)
	}

	hub.BroadcastExcept(channel, models.Event{Type: models.EventTypingStart, ConversationID: 3}, 1)

	assert.Empty(t, drain(phone))
	assert.Empty(t, drain(laptop))
	assert.Len(t, drain(peer), 1)
}

func TestHubBroadcastAllAndPresence(t *testing.T) {
	hub := NewHub(zap.NewNop())
	self, other := testClient(1, 4), testClient(2, 4)
	hub.Attach(self)
	hub.Attach(other)

	hub.AnnouncePresence(1, true)

	assert.Empty(t, drain(self))
	events := drain(other)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserOnline, events[0].Type)
	assert.Equal(t, map[string]any{"user_id": float64(1)}, events[0].Data)
}

func TestHubDropsWhenQueueIsFull(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow, fast := testClient(1, 1), testClient(2, 8)
	channel := models.ConversationChannel(1)
	for _, c := range []*Client{slow, fast} {
		hub.Attach(c)
		hub.Join(channel, c)
	}

	for i := 0; i < 3; i++ {
		hub.Broadcast(channel, models.Event{Type: models.EventMessageNew, ConversationID: 1})
	}

	assert.Len(t, drain(slow), 1)
	assert.Len(t, drain(fast), 3)
}

func TestHubDetachRemovesClientEverywhere(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := testClient(5, 4)
	hub.Attach(c)
	hub.Join(models.PersonalChannel(5), c)
	hub.Join(models.ConversationChannel(9), c)

	hub.Detach(c)

	assert.Zero(t, hub.ChannelSize(models.PersonalChannel(5)))
	assert.Zero(t, hub.ChannelSize(models.ConversationChannel(9)))
	assert.Empty(t, hub.clients())
	hub.Broadcast(models.ConversationChannel(9), models.Event{Type: models.EventMessageNew})
	assert.Empty(t, drain(c))
}

func TestHubJoinAndLeaveUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b := testClient(4, 4), testClient(4, 4)
	hub.Attach(a)
	hub.Attach(b)
	channel := models.ConversationChannel(11)

	hub.JoinUser(channel, 4)
	assert.True(t, hub.Subscribed(channel, a))
	assert.True(t, hub.Subscribed(channel, b))

	hub.LeaveUser(channel, 4)
	assert.False(t, hub.Subscribed(channel, a))
	assert.Zero(t, hub.ChannelSize(channel))
}

func TestHubEnqueueAfterCloseIsDiscarded(t *testing.T) {
	c := testClient(1, 1)
	c.close()
	c.close()

	assert.True(t, c.enqueue([]byte("x")))
	assert.Empty(t, drain(c))
}

type recordingRelay struct {
	mu   sync.Mutex
	envs []relay.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, env relay.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingRelay) published() []relay.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Envelope(nil), r.envs...)
}

func TestHubRelaysBroadcastsAndIgnoresOwnEcho(t *testing.T) {
	hub := NewHub(zap.NewNop())
	rec := &recordingRelay{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.StartRelay(ctx, rec)
	c := testClient(1, 8)
	hub.Attach(c)
	channel := models.ConversationChannel(2)
	hub.Join(channel, c)

	hub.BroadcastExcept(channel, models.Event{Type: models.EventMessageNew, ConversationID: 2}, 9)
	require.Eventually(t, func() bool { return len(rec.published()) == 1 }, time.Second, 5*time.Millisecond)
	env := rec.published()[0]
	assert.Equal(t, channel, env.Channel)
	assert.Equal(t, int64(9), env.ExceptUser)
	assert.Len(t, drain(c), 1)

	hub.DeliverRemote(env)
	assert.Empty(t, drain(c))

	env.Node = "other-node"
	hub.DeliverRemote(env)
	assert.Equal(t, []string{models.EventMessageNew}, eventTypes(drain(c)))
}

func TestHubConcurrentJoinAndBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	channel := models.ConversationChannel(1)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		c := testClient(int64(i+1), 64)
		go func() {
			defer wg.Done()
			hub.Attach(c)
			hub.Join(channel, c)
			hub.Detach(c)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast(channel, models.Event{Type: models.EventMessageNew})
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.ChannelSize(channel))
}
