// Package follow maps followers to followees within a room and keeps each
// user's last known viewport so a new follower can be synchronized at
// follow-start.
package follow

import (
	"log/slog"
	"sort"
	"sync"
)

// Viewport is a user's last reported pan and zoom.
type Viewport struct {
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

// roomFollows is one room's relationships behind its own lock.
type roomFollows struct {
	mu sync.Mutex
	// follows maps follower id to followee id; a follower has at most one
	// followee.
	follows   map[string]string
	viewports map[string]Viewport
}

func newRoomFollows() *roomFollows {
	return &roomFollows{
		follows:   make(map[string]string),
		viewports: make(map[string]Viewport),
	}
}

// Tracker tracks follow relationships across rooms.
type Tracker struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomFollows
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger: logger.With(slog.String("component", "follow")),
		rooms:  make(map[string]*roomFollows),
	}
}

func (t *Tracker) getRoom(name string, create bool) *roomFollows {
	t.mu.RLock()
	rf := t.rooms[name]
	t.mu.RUnlock()
	if rf != nil || !create {
		return rf
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rf = t.rooms[name]; rf == nil {
		rf = newRoomFollows()
		t.rooms[name] = rf
	}
	return rf
}

// Follow records a relationship, replacing any prior followee for the
// follower. The followee's last viewport is returned when known so the caller
// can replay it to the new follower.
func (t *Tracker) Follow(room, followerID, followeeID string) (Viewport, bool) {
	rf := t.getRoom(room, true)
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.follows[followerID] = followeeID
	vp, known := rf.viewports[followeeID]
	return vp, known
}

// Unfollow removes the follower's relationship. It reports the former
// followee and false when no relationship existed.
func (t *Tracker) Unfollow(room, followerID string) (followeeID string, ok bool) {
	rf := t.getRoom(room, false)
	if rf == nil {
		return "", false
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	followeeID, ok = rf.follows[followerID]
	if ok {
		delete(rf.follows, followerID)
	}
	return followeeID, ok
}

// UpdateViewport stores a user's viewport and returns the ids of users
// currently following them, sorted. An empty slice means nobody needs a
// viewport broadcast.
func (t *Tracker) UpdateViewport(room, userID string, vp Viewport) []string {
	rf := t.getRoom(room, true)
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.viewports[userID] = vp
	return rf.followersLocked(userID)
}

// Followers lists the users following userID, sorted.
func (t *Tracker) Followers(room, userID string) []string {
	rf := t.getRoom(room, false)
	if rf == nil {
		return nil
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.followersLocked(userID)
}

func (rf *roomFollows) followersLocked(userID string) []string {
	var out []string
	for follower, followee := range rf.follows {
		if followee == userID {
			out = append(out, follower)
		}
	}
	sort.Strings(out)
	return out
}

// DropUser removes every relationship the user participates in, as follower
// or followee, along with their stored viewport. Returns the ids of followers
// orphaned by the departure.
func (t *Tracker) DropUser(room, userID string) (orphaned []string) {
	rf := t.getRoom(room, false)
	if rf == nil {
		return nil
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	delete(rf.follows, userID)
	delete(rf.viewports, userID)
	for follower, followee := range rf.follows {
		if followee == userID {
			orphaned = append(orphaned, follower)
			delete(rf.follows, follower)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// Snapshot copies a room's follower → followee map for read-only projection.
func (t *Tracker) Snapshot(room string) map[string]string {
	rf := t.getRoom(room, false)
	if rf == nil {
		return map[string]string{}
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	out := make(map[string]string, len(rf.follows))
	for follower, followee := range rf.follows {
		out[follower] = followee
	}
	return out
}

// DropRoom discards all relationships in a room.
func (t *Tracker) DropRoom(room string) {
	t.mu.Lock()
	delete(t.rooms, room)
	t.mu.Unlock()
}
