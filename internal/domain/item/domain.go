package item

import "time"

// Channel is a logical stream scope within one user's data.
type Channel string

const (
	ChannelNotification Channel = "notification"
	ChannelChat         Channel = "chat"
)

func (c Channel) Valid() bool {
	return c == ChannelNotification || c == ChannelChat
}

// Origin identifies who produced an item.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginAdmin  Origin = "admin"
	OriginSystem Origin = "system"
)

// Item is a single inbox entry: a notification or a chat message.
// The two are structurally identical; Channel tells them apart.
type Item struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Channel   Channel   `json:"channel"`
	Origin    Origin    `json:"origin"`
	Category  string    `json:"category"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// CountsAsUnread reports whether the item contributes to the unread badge:
// items the user produced themselves are never unread to them.
func (it *Item) CountsAsUnread() bool {
	return it.Origin != OriginUser && !it.IsRead
}

// Scope keys a subscription and its local log: one user, one channel.
type Scope struct {
	UserID  int64
	Channel Channel
}
