package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
	"github.com/inboxd/inboxd/internal/obs/retry"
)

// State is the per-scope lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// Snapshot is what observers render from: the ordered item log, the derived
// unread count, and transport/load status.
type Snapshot struct {
	Items      []item.Item
	Unread     int
	State      State
	LoadFailed bool
}

type Observer func(Snapshot)

// ItemReader is the bulk-load side of the record store.
type ItemReader interface {
	ListByUser(ctx context.Context, sc item.Scope, limit int) ([]*item.Item, error)
}

// ItemSender persists a new outgoing item.
type ItemSender interface {
	Send(ctx context.Context, it *item.Item) error
}

// Coordinator owns one scope's local log and serializes every mutation on
// it, whichever view issued the command. Lifecycle: Idle → Loading → Live ⇄
// Reconnecting → Idle.
type Coordinator struct {
	log    *zap.Logger
	scope  item.Scope
	reader ItemReader
	sender ItemSender
	stream feed.Stream
	acker  *Acker

	loadLimit  int
	sendPolicy retry.Policy

	mu         sync.Mutex
	store      *Log
	state      State
	loadFailed bool
	gen        int
	sub        feed.Subscription
	observers  map[int]Observer
	nextObsID  int

	notifyMu    sync.Mutex
	notifying   bool
	notifyAgain bool

	runCtx context.Context
}

type CoordinatorConfig struct {
	Scope     item.Scope
	Reader    ItemReader
	Sender    ItemSender
	Acks      AckStore
	Stream    feed.Stream
	LoadLimit int
	Logger    *zap.Logger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.LoadLimit <= 0 {
		cfg.LoadLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	log := cfg.Logger.With(
		zap.String("component", "delivery.coordinator"),
		zap.Int64("user_id", cfg.Scope.UserID),
		zap.String("channel", string(cfg.Scope.Channel)),
	)
	return &Coordinator{
		log:        log,
		scope:      cfg.Scope,
		reader:     cfg.Reader,
		sender:     cfg.Sender,
		stream:     cfg.Stream,
		acker:      NewAcker(cfg.Logger, cfg.Acks),
		loadLimit:  cfg.LoadLimit,
		sendPolicy: retry.RecordStorePolicy(log),
		store:      NewLog(),
		state:      StateIdle,
		observers:  make(map[int]Observer),
	}
}

// Start attaches the feed and kicks off the initial bulk load. Live events
// are applied as soon as the subscription exists; the load converges through
// the same idempotent upsert, so neither path blocks the other.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started (%s)", c.state)
	}
	c.state = StateLoading
	c.runCtx = ctx
	gen := c.gen
	c.mu.Unlock()

	sub, err := c.stream.Subscribe(ctx, c.scope, c.onEvent, c.onStatus)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("subscribe feed: %w", err)
	}

	c.mu.Lock()
	if c.state == StateIdle {
		// torn down while the subscribe call was in flight
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()

	go c.load(ctx, gen)
	c.log.Info("scope subscribed")
	return nil
}

// Close tears the scope down: feed detached, pending bulk results discarded,
// observers dropped. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.gen++ // stale in-flight loads see a mismatch and discard themselves
	sub := c.sub
	c.sub = nil
	c.observers = make(map[int]Observer)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.log.Info("scope unsubscribed")
}

// Attach registers an observer and immediately replays the current snapshot
// to it. The returned func detaches; multiple views share one coordinator.
func (c *Coordinator) Attach(obs Observer) func() {
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = obs
	snap := c.snapshotLocked()
	c.mu.Unlock()

	obs(snap)
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Send persists an outgoing item and echoes it into the local log without
// waiting for the feed round-trip.
func (c *Coordinator) Send(ctx context.Context, category, payload string) (*item.Item, error) {
	tr := otel.Tracer("delivery.coordinator")
	ctx, span := tr.Start(ctx, "delivery.send",
		trace.WithAttributes(
			attribute.Int64("scope.user_id", c.scope.UserID),
			attribute.String("scope.channel", string(c.scope.Channel)),
		),
	)
	defer span.End()

	it := &item.Item{
		UserID:   c.scope.UserID,
		Channel:  c.scope.Channel,
		Origin:   item.OriginUser,
		Category: category,
		Payload:  payload,
	}
	// transient insert failures retry before the caller hears about them;
	// each attempt is a fresh transaction
	err := retry.Do(ctx, func() error { return c.sender.Send(ctx, it) }, c.sendPolicy)
	if err != nil {
		return nil, fmt.Errorf("send item: %w", err)
	}

	c.mu.Lock()
	c.store.Upsert(*it)
	c.mu.Unlock()
	c.notify()
	return it, nil
}

// MarkRead flips one item optimistically, then confirms in the background.
// Concurrent calls for the same id coalesce: after the first flip the rest
// are no-ops.
func (c *Coordinator) MarkRead(id int64) {
	c.mu.Lock()
	changed := c.store.MarkRead(id)
	c.mu.Unlock()

	if !changed {
		return
	}
	c.notify()
	c.acker.Confirm([]int64{id})
}

// MarkAllRead is a point-in-time operation: it snapshots the unread id set,
// flips those locally and sends one batched confirmation. Items arriving
// after the snapshot stay unread.
func (c *Coordinator) MarkAllRead() {
	c.mu.Lock()
	ids := c.store.UnreadIDs()
	for _, id := range ids {
		c.store.MarkRead(id)
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	c.notify()
	c.acker.Confirm(ids)
}

// Snapshot returns the current render state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) onEvent(_ context.Context, ev feed.Event) {
	it, err := Normalize(ev)
	if err != nil {
		mEventsRejected.Inc()
		c.log.Warn("feed event rejected", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	changed := c.store.Upsert(it)
	c.mu.Unlock()

	mEventsApplied.Inc()
	if changed {
		c.notify()
	}
}

func (c *Coordinator) onStatus(st feed.Status) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}

	switch st {
	case feed.StatusReconnecting:
		if c.state == StateLive {
			c.state = StateReconnecting
			mReconnects.Inc()
		}
		c.mu.Unlock()
		c.notify()

	case feed.StatusLive:
		reload := c.state == StateReconnecting || c.loadFailed
		if c.state == StateReconnecting {
			c.state = StateLive
		}
		gen := c.gen
		ctx := c.runCtx
		c.mu.Unlock()

		c.notify()
		if reload {
			// the feed resumed live-only; close the gap with a full
			// reconciliation fetch, safe under idempotent upsert
			go c.load(ctx, gen)
		}

	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) load(ctx context.Context, gen int) {
	tr := otel.Tracer("delivery.coordinator")
	ctx, span := tr.Start(ctx, "delivery.bulk_load")
	span.SetAttributes(
		attribute.Int64("scope.user_id", c.scope.UserID),
		attribute.String("scope.channel", string(c.scope.Channel)),
		attribute.Int("load.limit", c.loadLimit),
	)
	defer span.End()

	start := time.Now()
	items, err := c.reader.ListByUser(ctx, c.scope, c.loadLimit)
	mBulkLoadDur.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	if gen != c.gen || c.state == StateIdle {
		// torn down or superseded while fetching; results must not apply
		c.mu.Unlock()
		mBulkLoads.WithLabelValues("stale").Inc()
		return
	}

	if err != nil {
		span.RecordError(err)
		c.loadFailed = true
		if c.state == StateLoading {
			// history failed but the feed is attached; stay up, retry on
			// the next reconnect cycle
			c.state = StateLive
		}
		c.mu.Unlock()
		mBulkLoads.WithLabelValues("error").Inc()
		c.log.Warn("bulk load failed; live updates continue", zap.Error(err))
		c.notify()
		return
	}

	for _, it := range items {
		c.store.Upsert(*it)
	}
	c.loadFailed = false
	if c.state == StateLoading {
		c.state = StateLive
	}
	span.SetAttributes(attribute.Int("load.items", len(items)))
	c.mu.Unlock()

	mBulkLoads.WithLabelValues("ok").Inc()
	c.log.Debug("bulk load applied", zap.Int("items", len(items)))
	c.notify()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		Items:      c.store.Snapshot(),
		Unread:     c.store.Unread(),
		State:      c.state,
		LoadFailed: c.loadFailed,
	}
}

// notify pushes the current snapshot to every observer. One goroutine
// delivers at a time; a notify arriving mid-delivery marks a redo and the
// deliverer re-captures, so concurrent mutators cannot interleave deliveries
// and observers always settle on the latest snapshot. Callbacks run outside
// both locks, so an observer can call back into the coordinator.
func (c *Coordinator) notify() {
	c.notifyMu.Lock()
	if c.notifying {
		c.notifyAgain = true
		c.notifyMu.Unlock()
		return
	}
	c.notifying = true
	c.notifyMu.Unlock()

	for {
		c.mu.Lock()
		snap := c.snapshotLocked()
		obs := make([]Observer, 0, len(c.observers))
		for _, o := range c.observers {
			obs = append(obs, o)
		}
		c.mu.Unlock()

		for _, o := range obs {
			o(snap)
		}

		c.notifyMu.Lock()
		if !c.notifyAgain {
			c.notifying = false
			c.notifyMu.Unlock()
			return
		}
		c.notifyAgain = false
		c.notifyMu.Unlock()
	}
}
