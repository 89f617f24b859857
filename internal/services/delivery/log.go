package delivery

import (
	"sort"

	"github.com/inboxd/inboxd/internal/domain/item"
)

// Log is the ordered, identity-indexed local item log for one scope. It is
// the single mutation point for item state; every other component acts
// through it. Not safe for concurrent use; the owning Coordinator
// serializes all access.
type Log struct {
	byID map[int64]*item.Item
}

func NewLog() *Log {
	return &Log{byID: make(map[int64]*item.Item)}
}

// Upsert merges by id. The read flag is merged with logical OR so a
// duplicate or out-of-order copy can never downgrade read state; all other
// fields take the incoming values. Returns false when nothing changed.
func (l *Log) Upsert(in item.Item) bool {
	cur, ok := l.byID[in.ID]
	if !ok {
		cp := in
		l.byID[in.ID] = &cp
		return true
	}

	merged := in
	merged.IsRead = in.IsRead || cur.IsRead
	if *cur == merged {
		return false
	}
	*cur = merged
	return true
}

// MarkRead flips one item to read. Monotonic: already-read and unknown ids
// are no-ops, which is what coalesces concurrent mark-read races.
func (l *Log) MarkRead(id int64) bool {
	it, ok := l.byID[id]
	if !ok || it.IsRead {
		return false
	}
	it.IsRead = true
	return true
}

// Snapshot returns items sorted by created_at ascending, ties broken by id.
func (l *Log) Snapshot() []item.Item {
	out := make([]item.Item, 0, len(l.byID))
	for _, it := range l.byID {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unread counts items from someone else that are still unread.
func (l *Log) Unread() int {
	n := 0
	for _, it := range l.byID {
		if it.CountsAsUnread() {
			n++
		}
	}
	if n < 0 {
		n = 0
	}
	return n
}

// UnreadIDs returns the point-in-time unread id set, the unit mark-all-read
// operates on.
func (l *Log) UnreadIDs() []int64 {
	var ids []int64
	for _, it := range l.byID {
		if it.CountsAsUnread() {
			ids = append(ids, it.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Log) Len() int { return len(l.byID) }
