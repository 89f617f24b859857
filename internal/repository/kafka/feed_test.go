package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
)

func newTestFeed() *Feed {
	return NewFeed(&Consumer{cfg: &ConsumerConfig{}}, zap.NewNop())
}

func rowEvent(t *testing.T, userID int64, ch item.Channel, id int64) feed.Event {
	t.Helper()
	row, err := json.Marshal(map[string]any{
		"id":      id,
		"user_id": userID,
		"channel": ch,
	})
	require.NoError(t, err)
	return feed.Event{Type: feed.EventInsert, Row: row}
}

type capture struct {
	mu     sync.Mutex
	events []feed.Event
	stats  []feed.Status
}

func (c *capture) onEvent(_ context.Context, ev feed.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) onStatus(st feed.Status) {
	c.mu.Lock()
	c.stats = append(c.stats, st)
	c.mu.Unlock()
}

func (c *capture) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestFeedDispatchRoutesByScope(t *testing.T) {
	f := newTestFeed()
	ctx := context.Background()

	alice, bob := &capture{}, &capture{}
	scopeA := item.Scope{UserID: 1, Channel: item.ChannelNotification}
	scopeB := item.Scope{UserID: 2, Channel: item.ChannelNotification}

	_, err := f.Subscribe(ctx, scopeA, alice.onEvent, alice.onStatus)
	require.NoError(t, err)
	_, err = f.Subscribe(ctx, scopeB, bob.onEvent, bob.onStatus)
	require.NoError(t, err)

	f.dispatch(ctx, scopeA, rowEvent(t, 1, item.ChannelNotification, 10))
	f.dispatch(ctx, scopeB, rowEvent(t, 2, item.ChannelNotification, 11))
	f.dispatch(ctx, item.Scope{UserID: 3, Channel: item.ChannelChat}, rowEvent(t, 3, item.ChannelChat, 12))

	require.Equal(t, 1, alice.eventCount())
	require.Equal(t, 1, bob.eventCount())
}

func TestFeedSameScopeFanOut(t *testing.T) {
	f := newTestFeed()
	ctx := context.Background()
	sc := item.Scope{UserID: 1, Channel: item.ChannelChat}

	a, b := &capture{}, &capture{}
	_, err := f.Subscribe(ctx, sc, a.onEvent, nil)
	require.NoError(t, err)
	_, err = f.Subscribe(ctx, sc, b.onEvent, nil)
	require.NoError(t, err)

	f.dispatch(ctx, sc, rowEvent(t, 1, item.ChannelChat, 10))
	require.Equal(t, 1, a.eventCount())
	require.Equal(t, 1, b.eventCount())
}

func TestFeedUnsubscribeStopsDelivery(t *testing.T) {
	f := newTestFeed()
	ctx := context.Background()
	sc := item.Scope{UserID: 1, Channel: item.ChannelNotification}

	c := &capture{}
	sub, err := f.Subscribe(ctx, sc, c.onEvent, c.onStatus)
	require.NoError(t, err)

	f.dispatch(ctx, sc, rowEvent(t, 1, item.ChannelNotification, 10))
	sub.Unsubscribe()
	f.dispatch(ctx, sc, rowEvent(t, 1, item.ChannelNotification, 11))
	f.broadcastStatus(feed.StatusReconnecting)

	require.Equal(t, 1, c.eventCount())
	require.Empty(t, c.stats)

	sub.Unsubscribe() // idempotent
	require.Empty(t, f.subs, "empty scopes are removed from the routing table")
}

func TestFeedStatusBroadcast(t *testing.T) {
	f := newTestFeed()
	ctx := context.Background()

	a, b := &capture{}, &capture{}
	_, err := f.Subscribe(ctx, item.Scope{UserID: 1, Channel: item.ChannelNotification}, a.onEvent, a.onStatus)
	require.NoError(t, err)
	_, err = f.Subscribe(ctx, item.Scope{UserID: 2, Channel: item.ChannelChat}, b.onEvent, b.onStatus)
	require.NoError(t, err)

	f.broadcastStatus(feed.StatusReconnecting)
	f.broadcastStatus(feed.StatusLive)

	want := []feed.Status{feed.StatusReconnecting, feed.StatusLive}
	require.Equal(t, want, a.stats)
	require.Equal(t, want, b.stats)
}

func TestFeedConsumerHooksMapToStatus(t *testing.T) {
	cons := &Consumer{cfg: &ConsumerConfig{}}
	f := NewFeed(cons, zap.NewNop())

	c := &capture{}
	_, err := f.Subscribe(context.Background(), item.Scope{UserID: 1, Channel: item.ChannelNotification}, c.onEvent, c.onStatus)
	require.NoError(t, err)

	cons.cfg.OnDown(errors.New("broker gone"))
	cons.cfg.OnUp()

	require.Equal(t, []feed.Status{feed.StatusReconnecting, feed.StatusLive}, c.stats)
}

func TestFeedEnvelopeDecoding(t *testing.T) {
	f := newTestFeed()
	ctx := context.Background()
	sc := item.Scope{UserID: 42, Channel: item.ChannelNotification}

	c := &capture{}
	_, err := f.Subscribe(ctx, sc, c.onEvent, nil)
	require.NoError(t, err)

	require.NoError(t, f.handleMessage(ctx, nil, []byte(`{"event_type":"insert","row":{"id":1,"user_id":42,"channel":"notification"}}`)))
	require.NoError(t, f.handleMessage(ctx, nil, []byte(`not json`)), "malformed envelopes are dropped, not retried")
	require.NoError(t, f.handleMessage(ctx, nil, []byte(`{"event_type":"insert","row":"not an object"}`)))

	require.Equal(t, 1, c.eventCount())
	require.Equal(t, feed.EventInsert, c.events[0].Type)
}
