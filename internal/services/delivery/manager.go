package delivery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
)

// Manager hands out one shared Coordinator per (user, channel) scope, so a
// bell, a chat widget and a dashboard mounted at once never open duplicate
// subscriptions. Coordinators are ref-counted and torn down with the last view.
type Manager struct {
	log       *zap.Logger
	reader    ItemReader
	sender    ItemSender
	acks      AckStore
	stream    feed.Stream
	loadLimit int

	mu     sync.Mutex
	scopes map[item.Scope]*managedScope
}

type managedScope struct {
	coord *Coordinator
	refs  int
}

type ManagerConfig struct {
	Reader    ItemReader
	Sender    ItemSender
	Acks      AckStore
	Stream    feed.Stream
	LoadLimit int
	Logger    *zap.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Manager{
		log:       cfg.Logger.With(zap.String("component", "delivery.manager")),
		reader:    cfg.Reader,
		sender:    cfg.Sender,
		acks:      cfg.Acks,
		stream:    cfg.Stream,
		loadLimit: cfg.LoadLimit,
		scopes:    make(map[item.Scope]*managedScope),
	}
}

// Handle is one view's attachment to a scope. Unsubscribe is idempotent.
type Handle struct {
	m      *Manager
	scope  item.Scope
	coord  *Coordinator
	detach func()

	once sync.Once
}

// Subscribe attaches a view to the scope's shared coordinator, creating and
// starting it on first use. The observer receives the current snapshot
// immediately and every change after that.
func (m *Manager) Subscribe(ctx context.Context, sc item.Scope, obs Observer) (*Handle, error) {
	if !sc.Channel.Valid() {
		return nil, fmt.Errorf("invalid channel %q", sc.Channel)
	}

	m.mu.Lock()
	ms, ok := m.scopes[sc]
	if !ok {
		coord := NewCoordinator(CoordinatorConfig{
			Scope:     sc,
			Reader:    m.reader,
			Sender:    m.sender,
			Acks:      m.acks,
			Stream:    m.stream,
			LoadLimit: m.loadLimit,
			Logger:    m.log,
		})
		if err := coord.Start(ctx); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ms = &managedScope{coord: coord}
		m.scopes[sc] = ms
	}
	ms.refs++
	m.mu.Unlock()

	detach := ms.coord.Attach(obs)
	return &Handle{m: m, scope: sc, coord: ms.coord, detach: detach}, nil
}

func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.detach()
		h.m.release(h.scope, h.coord)
	})
}

// Coordinator exposes the shared per-scope engine for commands
// (send, mark-read); views must not hold it past Unsubscribe.
func (h *Handle) Coordinator() *Coordinator { return h.coord }

func (m *Manager) release(sc item.Scope, coord *Coordinator) {
	m.mu.Lock()
	ms, ok := m.scopes[sc]
	if !ok || ms.coord != coord {
		m.mu.Unlock()
		return
	}
	ms.refs--
	last := ms.refs <= 0
	if last {
		delete(m.scopes, sc)
	}
	m.mu.Unlock()

	if last {
		coord.Close()
	}
}

// Close tears down every live scope; used on gateway shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.scopes))
	for _, ms := range m.scopes {
		coords = append(coords, ms.coord)
	}
	m.scopes = make(map[item.Scope]*managedScope)
	m.mu.Unlock()

	for _, c := range coords {
		c.Close()
	}
}
