package kafka

import (
	"context"
	"encoding/json"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
)

type ItemEventsKafka struct {
	p *Producer
}

func NewItemEventsKafka(p *Producer) *ItemEventsKafka { return &ItemEventsKafka{p: p} }

var _ feed.Publisher = (*ItemEventsKafka)(nil)

func (e *ItemEventsKafka) PublishInserted(ctx context.Context, it *item.Item) error {
	return e.publish(ctx, feed.EventInsert, it)
}

func (e *ItemEventsKafka) PublishUpdated(ctx context.Context, it *item.Item) error {
	return e.publish(ctx, feed.EventUpdate, it)
}

func (e *ItemEventsKafka) publish(ctx context.Context, typ feed.EventType, it *item.Item) error {
	row, err := json.Marshal(it)
	if err != nil {
		return err
	}
	// keyed by user id: one user's changes stay on one partition
	return e.p.PublishJSON(ctx, KeyFromInt64(it.UserID), feed.Event{Type: typ, Row: row})
}
