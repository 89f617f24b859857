package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inboxd/inboxd/internal/domain/item"
)

var _ item.Repo = (*ItemRepoImpl)(nil)

type ItemRepoImpl struct{ db *DB }

func NewItemRepo(db *DB) *ItemRepoImpl { return &ItemRepoImpl{db: db} }

const (
	qItemInsert = `
INSERT INTO items (user_id, channel, origin, category, payload, is_read)
VALUES ($1, $2, $3, $4, $5, FALSE)
RETURNING id, created_at, is_read;
`

	qItemsByUser = `
SELECT id, user_id, channel, origin, category, payload, created_at, is_read
FROM items
WHERE user_id = $1 AND channel = $2
ORDER BY created_at DESC, id DESC
LIMIT $3;
`

	qItemsMarkRead = `
UPDATE items
SET is_read = TRUE
WHERE id = ANY($1) AND is_read = FALSE
RETURNING id, user_id, channel, origin, category, payload, created_at, is_read;
`
)

func scanItem(row pgx.Row, it *item.Item) error {
	if err := row.Scan(
		&it.ID,
		&it.UserID,
		&it.Channel,
		&it.Origin,
		&it.Category,
		&it.Payload,
		&it.CreatedAt,
		&it.IsRead,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan item: %w", err)
	}
	return nil
}

func (r *ItemRepoImpl) Create(ctx context.Context, it *item.Item) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	if err := eq.QueryRow(ctx, qItemInsert,
		it.UserID,
		it.Channel,
		it.Origin,
		it.Category,
		it.Payload,
	).Scan(&it.ID, &it.CreatedAt, &it.IsRead); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (r *ItemRepoImpl) ListByUser(ctx context.Context, userID int64, ch item.Channel, limit int) ([]*item.Item, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qItemsByUser, userID, ch, limit)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	return collectItems(rows)
}

func (r *ItemRepoImpl) MarkRead(ctx context.Context, ids []int64) ([]*item.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qItemsMarkRead, ids)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]*item.Item, error) {
	defer rows.Close()

	var out []*item.Item
	for rows.Next() {
		var it item.Item
		if err := scanItem(rows, &it); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
