package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
)

// Feed adapts one shared consumer into per-scope subscriptions: events are
// routed by the (user_id, channel) fields of the changed row, transport
// status transitions fan out to every live subscription.
type Feed struct {
	cons *Consumer
	log  *zap.Logger

	mu   sync.RWMutex
	subs map[item.Scope][]*feedSub
}

var _ feed.Stream = (*Feed)(nil)

func NewFeed(cons *Consumer, log *zap.Logger) *Feed {
	f := &Feed{
		cons: cons,
		log:  log.With(zap.String("component", "kafka.feed")),
		subs: make(map[item.Scope][]*feedSub),
	}
	cons.cfg.OnDown = func(error) { f.broadcastStatus(feed.StatusReconnecting) }
	cons.cfg.OnUp = func() { f.broadcastStatus(feed.StatusLive) }
	return f
}

// Run consumes the change topic until ctx is canceled. Handler errors are
// absorbed here: a malformed envelope will not become well-formed on redelivery.
func (f *Feed) Run(ctx context.Context) error {
	return f.cons.Consume(ctx, f.handleMessage)
}

func (f *Feed) handleMessage(ctx context.Context, _, value []byte) error {
	var ev feed.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		f.log.Warn("malformed feed envelope", zap.Error(err))
		return nil
	}
	var hdr struct {
		UserID  int64        `json:"user_id"`
		Channel item.Channel `json:"channel"`
	}
	if err := json.Unmarshal(ev.Row, &hdr); err != nil {
		f.log.Warn("malformed feed row", zap.Error(err))
		return nil
	}
	f.dispatch(ctx, item.Scope{UserID: hdr.UserID, Channel: hdr.Channel}, ev)
	return nil
}

func (f *Feed) Subscribe(_ context.Context, sc item.Scope, h feed.Handler, sh feed.StatusHandler) (feed.Subscription, error) {
	s := &feedSub{feed: f, scope: sc, handle: h, status: sh}

	f.mu.Lock()
	f.subs[sc] = append(f.subs[sc], s)
	f.mu.Unlock()

	f.log.Debug("feed subscribed", zap.Int64("user_id", sc.UserID), zap.String("channel", string(sc.Channel)))
	return s, nil
}

func (f *Feed) dispatch(ctx context.Context, sc item.Scope, ev feed.Event) {
	f.mu.RLock()
	targets := append([]*feedSub(nil), f.subs[sc]...)
	f.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ctx, ev)
	}
}

func (f *Feed) broadcastStatus(st feed.Status) {
	f.mu.RLock()
	var targets []*feedSub
	for _, ss := range f.subs {
		targets = append(targets, ss...)
	}
	f.mu.RUnlock()

	for _, s := range targets {
		s.deliverStatus(st)
	}
}

func (f *Feed) remove(s *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss := f.subs[s.scope]
	for i, cur := range ss {
		if cur == s {
			f.subs[s.scope] = append(ss[:i], ss[i+1:]...)
			break
		}
	}
	if len(f.subs[s.scope]) == 0 {
		delete(f.subs, s.scope)
	}
}

type feedSub struct {
	feed   *Feed
	scope  item.Scope
	handle feed.Handler
	status feed.StatusHandler

	mu     sync.Mutex
	closed bool
}

func (s *feedSub) deliver(ctx context.Context, ev feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handle(ctx, ev)
}

func (s *feedSub) deliverStatus(st feed.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.status == nil {
		return
	}
	s.status(st)
}

// Unsubscribe is idempotent. It takes the delivery mutex, so an event already
// in flight completes first and nothing fires after return.
func (s *feedSub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.feed.remove(s)
}
