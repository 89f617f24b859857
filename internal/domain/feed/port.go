package feed

import (
	"context"
	"encoding/json"

	"github.com/inboxd/inboxd/internal/domain/item"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is one row-level change pushed by the feed. Row carries the raw
// record-store row; normalization is the subscriber's job.
type Event struct {
	Type EventType       `json:"event_type"`
	Row  json.RawMessage `json:"row"`
}

// Status reports the transport health of a subscription.
type Status int

const (
	StatusLive Status = iota
	StatusReconnecting
)

func (s Status) String() string {
	if s == StatusReconnecting {
		return "reconnecting"
	}
	return "live"
}

type Handler func(ctx context.Context, ev Event)

type StatusHandler func(st Status)

// Subscription is a live feed attachment for one scope. Unsubscribe is
// idempotent; after it returns no further Handler or StatusHandler calls
// are made for this subscription.
type Subscription interface {
	Unsubscribe()
}

// Stream delivers row-change events scoped to one (user, channel) pair.
// Delivery is at-least-once and unordered; the feed never backfills history,
// gap closure after reconnect belongs to the subscriber.
type Stream interface {
	Subscribe(ctx context.Context, sc item.Scope, h Handler, sh StatusHandler) (Subscription, error)
}

// Publisher is the producing side of the feed, fed from the record store's
// outbox so row changes and feed events never diverge.
type Publisher interface {
	PublishInserted(ctx context.Context, it *item.Item) error
	PublishUpdated(ctx context.Context, it *item.Item) error
}
