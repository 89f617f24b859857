package item

import "context"

// Repo is the durable record store for inbox items. MarkRead only ever flips
// is_read false to true and returns the rows it touched, so callers can fan
// the confirmed state back out through the change feed. Bulk read marking is
// always an explicit id set; the caller decides the point-in-time boundary.
type Repo interface {
	Create(ctx context.Context, it *Item) error
	ListByUser(ctx context.Context, userID int64, ch Channel, limit int) ([]*Item, error)
	MarkRead(ctx context.Context, ids []int64) ([]*Item, error)
}
