package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inboxd/inboxd/internal/domain/item"
	"github.com/inboxd/inboxd/internal/domain/outbox"
)

// Tx matches the postgres transactor without importing it; everything done
// inside fn shares one transaction.
type Tx interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ItemReader is the bulk-load side of the record store.
type ItemReader struct{ R item.Repo }

func (a ItemReader) ListByUser(ctx context.Context, sc item.Scope, limit int) ([]*item.Item, error) {
	return a.R.ListByUser(ctx, sc.UserID, sc.Channel, limit)
}

// Sender writes a new item and its change-feed outbox row atomically.
type Sender struct {
	Items  item.Repo
	Outbox outbox.Repository
	Tx     Tx
}

func (s Sender) Send(ctx context.Context, it *item.Item) error {
	return s.Tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.Items.Create(ctx, it); err != nil {
			return err
		}
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		key := fmt.Sprintf("item-insert-%d", it.ID)
		return s.Outbox.Enqueue(ctx, key, outbox.KindItemInserted, data)
	})
}

// ReadAcks confirms read state in the record store and enqueues the
// confirmed rows for feed fan-out, one transaction per batch.
type ReadAcks struct {
	Items  item.Repo
	Outbox outbox.Repository
	Tx     Tx
}

func (a ReadAcks) MarkRead(ctx context.Context, ids []int64) error {
	return a.Tx.WithTx(ctx, func(ctx context.Context) error {
		rows, err := a.Items.MarkRead(ctx, ids)
		if err != nil {
			return err
		}
		for _, row := range rows {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal item: %w", err)
			}
			key := fmt.Sprintf("item-read-%d", row.ID)
			if err := a.Outbox.Enqueue(ctx, key, outbox.KindItemsRead, data); err != nil {
				return err
			}
		}
		return nil
	})
}
