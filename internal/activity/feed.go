// Package activity keeps a bounded, per-room feed of recent collaboration
// events so late joiners and dashboards can see what just happened.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded activity.
type Entry struct {
	ID        string         `json:"id"`
	Room      string         `json:"room"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Kind      string         `json:"kind"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Feed is an in-memory, per-room activity log. Each room keeps at most size
// entries; older ones fall off the front.
type Feed struct {
	logger *slog.Logger
	size   int

	mu    sync.RWMutex
	rooms map[string][]Entry
}

// NewFeed creates a feed that retains size entries per room.
func NewFeed(size int, logger *slog.Logger) *Feed {
	return &Feed{
		logger: logger.With(slog.String("component", "activity")),
		size:   size,
		rooms:  make(map[string][]Entry),
	}
}

// Record appends an activity, stamping it with an id and time.
func (f *Feed) Record(room, userID, username, kind string, details map[string]any) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Room:      room,
		UserID:    userID,
		Username:  username,
		Kind:      kind,
		Details:   details,
		Timestamp: time.Now(),
	}

	f.mu.Lock()
	entries := append(f.rooms[room], e)
	if overflow := len(entries) - f.size; overflow > 0 {
		entries = entries[overflow:]
	}
	f.rooms[room] = entries
	f.mu.Unlock()

	return e
}

// Recent returns up to limit entries for a room, newest first. A limit of
// zero or less returns everything retained.
func (f *Feed) Recent(room string, limit int) []Entry {
	f.mu.RLock()
	entries := f.rooms[room]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = entries[len(entries)-1-i]
	}
	f.mu.RUnlock()
	return out
}

// DropRoom discards a room's feed.
func (f *Feed) DropRoom(room string) {
	f.mu.Lock()
	delete(f.rooms, room)
	f.mu.Unlock()
}
