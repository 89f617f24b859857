package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
)

// ErrMalformedEvent marks feed events that cannot be normalized. Such events
// are dropped and counted; redelivery will not fix them.
var ErrMalformedEvent = errors.New("malformed feed event")

type rawRow struct {
	ID        *int64       `json:"id"`
	UserID    int64        `json:"user_id"`
	Channel   item.Channel `json:"channel"`
	Origin    item.Origin  `json:"origin"`
	Category  string       `json:"category"`
	Payload   string       `json:"payload"`
	CreatedAt *time.Time   `json:"created_at"`
	IsRead    bool         `json:"is_read"`
}

// Normalize converts one raw feed event into the canonical item shape.
// Pure and deterministic; rejects rows missing the identity or order key.
func Normalize(ev feed.Event) (item.Item, error) {
	var row rawRow
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return item.Item{}, fmt.Errorf("%w: decode row: %v", ErrMalformedEvent, err)
	}
	if row.ID == nil || *row.ID == 0 {
		return item.Item{}, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if row.CreatedAt == nil || row.CreatedAt.IsZero() {
		return item.Item{}, fmt.Errorf("%w: missing created_at", ErrMalformedEvent)
	}

	return item.Item{
		ID:        *row.ID,
		UserID:    row.UserID,
		Channel:   row.Channel,
		Origin:    row.Origin,
		Category:  row.Category,
		Payload:   row.Payload,
		CreatedAt: *row.CreatedAt,
		IsRead:    row.IsRead,
	}, nil
}
