package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config carries the liveness timing knobs.
type Config struct {
	// GracePeriod is how long a disconnected user's color, role and seat are
	// held for a possible reconnect.
	GracePeriod time.Duration
	// AwayAfter is the idle time after which an online user is marked away.
	AwayAfter time.Duration
	// SweepInterval is how often the away sweeper scans rooms.
	SweepInterval time.Duration
}

// Hooks receive registry-initiated transitions, i.e. ones that happen on a
// timer rather than in response to a user event.
type Hooks struct {
	// OnAway fires after a user is flipped to away by the sweeper.
	OnAway func(room string, p Presence)
	// OnPurge fires after a disconnected user's grace period lapses and the
	// seat is reclaimed. roomEmpty reports whether the purge emptied the room.
	OnPurge func(room, userID string, roomEmpty bool)
}

// room holds the per-room state behind its own mutex so activity in one room
// never stalls another.
type room struct {
	mu    sync.Mutex
	users map[string]*Presence
	locks map[string]string // element id -> holding user id
	grace map[string]*time.Timer
}

func newRoom() *room {
	return &room{
		users: make(map[string]*Presence),
		locks: make(map[string]string),
		grace: make(map[string]*time.Timer),
	}
}

// Registry tracks presence across all rooms on this instance.
//
// Lock order: Registry.mu may be held while acquiring a room's mutex, never
// the reverse.
type Registry struct {
	logger *slog.Logger
	config Config
	hooks  Hooks

	mu    sync.RWMutex
	rooms map[string]*room

	// colorCtr feeds the palette round-robin across all rooms.
	colorCtr atomic.Uint64
}

// NewRegistry creates an empty registry. Call SetHooks before Run if the
// caller wants transition notifications.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With(slog.String("component", "presence")),
		config: config,
		rooms:  make(map[string]*room),
	}
}

// SetHooks installs transition callbacks. Not safe to call once Run has
// started.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

func (r *Registry) getRoom(name string, create bool) *room {
	r.mu.RLock()
	rm := r.rooms[name]
	r.mu.RUnlock()
	if rm != nil || !create {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[name]; rm == nil {
		rm = newRoom()
		r.rooms[name] = rm
	}
	return rm
}

// assignColor hands out the next palette slot.
func (r *Registry) assignColor() string {
	n := r.colorCtr.Add(1) - 1
	return palette[n%uint64(len(palette))]
}

// Join adds a user to a room or revives them inside the grace period. The
// returned fresh flag is true when the user was not visible before, which is
// when a user_joined broadcast is warranted. A reconnect keeps the user's
// color; the role follows the join payload when one was supplied and is kept
// otherwise, so a rejoin never loses a role to an omitted field.
func (r *Registry) Join(roomName, userID, username string, role Role) (Presence, bool) {
	rm := r.getRoom(roomName, true)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	if t, ok := rm.grace[userID]; ok {
		t.Stop()
		delete(rm.grace, userID)
	}

	if p, ok := rm.users[userID]; ok {
		fresh := p.Status == StatusOffline
		p.Status = StatusOnline
		p.LastSeen = now
		if username != "" {
			p.Username = username
		}
		if role != "" {
			p.Role = role
		}
		if fresh {
			p.JoinedAt = now
		}
		return *p, fresh
	}

	if role == "" {
		role = RoleEditor
	}
	p := &Presence{
		UserID:   userID,
		Username: username,
		Role:     role,
		Status:   StatusOnline,
		Color:    r.assignColor(),
		JoinedAt: now,
		LastSeen: now,
	}
	rm.users[userID] = p

	r.logger.Debug("user joined room",
		slog.String("room", roomName),
		slog.String("user", userID),
		slog.String("color", p.Color),
	)
	return *p, true
}

// Leave removes a user immediately, bypassing the grace period. It returns
// the element locks that were released on the way out.
func (r *Registry) Leave(roomName, userID string) (released []string, empty bool, ok bool) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return nil, false, false
	}

	rm.mu.Lock()
	if _, exists := rm.users[userID]; !exists {
		rm.mu.Unlock()
		return nil, false, false
	}
	released = rm.releaseAllLocked(userID)
	if t, exists := rm.grace[userID]; exists {
		t.Stop()
		delete(rm.grace, userID)
	}
	delete(rm.users, userID)
	empty = len(rm.users) == 0
	rm.mu.Unlock()

	if empty {
		r.dropIfEmpty(roomName)
	}
	return released, empty, true
}

// Disconnect marks a user offline and schedules the grace-period purge. The
// user's cursor, selection, typing flag and element locks are cleared right
// away so other clients see a clean departure, but the seat itself survives
// until the grace timer fires.
func (r *Registry) Disconnect(roomName, userID string) (released []string, ok bool) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, exists := rm.users[userID]
	if !exists {
		return nil, false
	}

	released = rm.releaseAllLocked(userID)
	p.Status = StatusOffline
	p.Cursor = nil
	p.Selected = nil
	p.IsTyping = false
	p.LastSeen = time.Now()

	if t, exists := rm.grace[userID]; exists {
		t.Stop()
	}
	rm.grace[userID] = time.AfterFunc(r.config.GracePeriod, func() {
		r.purge(roomName, userID)
	})
	return released, true
}

// purge reclaims a seat whose grace period lapsed without a reconnect.
func (r *Registry) purge(roomName, userID string) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	p, exists := rm.users[userID]
	if !exists || p.Status != StatusOffline {
		delete(rm.grace, userID)
		rm.mu.Unlock()
		return
	}
	delete(rm.users, userID)
	delete(rm.grace, userID)
	empty := len(rm.users) == 0
	rm.mu.Unlock()

	r.logger.Debug("reclaimed seat after grace period",
		slog.String("room", roomName),
		slog.String("user", userID),
	)
	if empty {
		r.dropIfEmpty(roomName)
	}
	if r.hooks.OnPurge != nil {
		r.hooks.OnPurge(roomName, userID, empty)
	}
}

func (r *Registry) dropIfEmpty(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[name]
	if rm == nil {
		return
	}
	rm.mu.Lock()
	empty := len(rm.users) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, name)
	}
}

// DropRoom tears a room down unconditionally, stopping outstanding grace
// timers. Used when the owning gateway destroys room state wholesale.
func (r *Registry) DropRoom(name string) {
	r.mu.Lock()
	rm := r.rooms[name]
	delete(r.rooms, name)
	r.mu.Unlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, t := range rm.grace {
		t.Stop()
		delete(rm.grace, id)
	}
	rm.users = make(map[string]*Presence)
	rm.locks = make(map[string]string)
}

// touch refreshes activity and reports whether the user woke from away.
// Caller holds the room lock.
func touch(p *Presence) bool {
	p.LastSeen = time.Now()
	if p.Status == StatusAway {
		p.Status = StatusOnline
		return true
	}
	return false
}

// Touch refreshes a user's activity clock without changing any other state.
// Used for events that presence does not otherwise track.
func (r *Registry) Touch(roomName, userID string) (woke, ok bool) {
	return r.mutate(roomName, userID, func(*room, *Presence) {})
}

// UpdateCursor moves a user's cursor.
func (r *Registry) UpdateCursor(roomName, userID string, x, y float64) (woke, ok bool) {
	return r.mutate(roomName, userID, func(_ *room, p *Presence) {
		p.Cursor = &Cursor{X: x, Y: y}
	})
}

// UpdateSelection replaces the set of elements a user has selected.
func (r *Registry) UpdateSelection(roomName, userID string, selected []string) (woke, ok bool) {
	return r.mutate(roomName, userID, func(_ *room, p *Presence) {
		p.Selected = selected
	})
}

// SetTyping toggles the typing indicator.
func (r *Registry) SetTyping(roomName, userID string, typing bool) (woke, ok bool) {
	return r.mutate(roomName, userID, func(_ *room, p *Presence) {
		p.IsTyping = typing
	})
}

func (r *Registry) mutate(roomName, userID string, fn func(*room, *Presence)) (woke, ok bool) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return false, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, exists := rm.users[userID]
	if !exists {
		return false, false
	}
	fn(rm, p)
	return touch(p), true
}

// LockElement takes an exclusive edit lock. The returned holder is the user
// now holding the lock; when it differs from userID the request collided
// with an existing lock and nothing changed.
func (r *Registry) LockElement(roomName, userID, elementID string) (holder string, woke, ok bool) {
	woke, ok = r.mutate(roomName, userID, func(rm *room, p *Presence) {
		if current, locked := rm.locks[elementID]; locked && current != userID {
			holder = current
			return
		}
		rm.locks[elementID] = userID
		p.Editing = elementID
		holder = userID
	})
	return holder, woke, ok
}

// ReleaseElement drops an edit lock. Only the holder may release; released
// reports whether the lock actually changed hands.
func (r *Registry) ReleaseElement(roomName, userID, elementID string) (released, woke, ok bool) {
	woke, ok = r.mutate(roomName, userID, func(rm *room, p *Presence) {
		if rm.locks[elementID] != userID {
			return
		}
		delete(rm.locks, elementID)
		if p.Editing == elementID {
			p.Editing = ""
		}
		released = true
	})
	return released, woke, ok
}

// releaseAllLocked drops every lock held by userID. Caller holds the room
// lock.
func (rm *room) releaseAllLocked(userID string) []string {
	var released []string
	for element, holder := range rm.locks {
		if holder == userID {
			released = append(released, element)
			delete(rm.locks, element)
		}
	}
	if p, ok := rm.users[userID]; ok {
		p.Editing = ""
	}
	sort.Strings(released)
	return released
}

// Heartbeat records a round-trip latency sample. Heartbeats are automatic,
// so they do not refresh the activity clock and an away user stays away.
func (r *Registry) Heartbeat(roomName, userID string, latencyMS int64) (Presence, bool) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return Presence{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, exists := rm.users[userID]
	if !exists {
		return Presence{}, false
	}
	p.LatencyMS = latencyMS
	p.Quality = QualityForLatency(latencyMS)
	p.LastHeartbeat = time.Now()
	return *p, true
}

// Get returns a copy of one user's presence.
func (r *Registry) Get(roomName, userID string) (Presence, bool) {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return Presence{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, exists := rm.users[userID]
	if !exists {
		return Presence{}, false
	}
	return *p, true
}

// HasRoom reports whether a room currently exists on this instance.
func (r *Registry) HasRoom(name string) bool {
	return r.getRoom(name, false) != nil
}

// ActiveUsers lists the visible (online or away) users of a room in join
// order. Seats waiting out the grace period are excluded: other clients have
// already seen those users leave.
func (r *Registry) ActiveUsers(roomName string) []Presence {
	return r.snapshot(roomName, false)
}

// AllUsers lists every seat in a room, including offline ones inside the
// grace period.
func (r *Registry) AllUsers(roomName string) []Presence {
	return r.snapshot(roomName, true)
}

func (r *Registry) snapshot(roomName string, includeOffline bool) []Presence {
	rm := r.getRoom(roomName, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	out := make([]Presence, 0, len(rm.users))
	for _, p := range rm.users {
		if !includeOffline && p.Status == StatusOffline {
			continue
		}
		out = append(out, *p)
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// RoomSummaries lists rooms and their visible user counts, sorted by name.
func (r *Registry) RoomSummaries() []RoomSummary {
	r.mu.RLock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]RoomSummary, 0, len(names))
	for _, name := range names {
		if users := r.ActiveUsers(name); len(users) > 0 {
			out = append(out, RoomSummary{Room: name, Users: len(users)})
		}
	}
	return out
}

// Run drives the away sweeper until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("away sweeper started",
		slog.Duration("interval", r.config.SweepInterval),
		slog.Duration("awayAfter", r.config.AwayAfter),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("away sweeper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep flips idle online users to away and reports them through OnAway.
// Callbacks run after all locks are dropped.
func (r *Registry) sweep() {
	type flagged struct {
		room string
		p    Presence
	}
	cutoff := time.Now().Add(-r.config.AwayAfter)

	r.mu.RLock()
	names := make([]string, 0, len(r.rooms))
	snapshot := make([]*room, 0, len(r.rooms))
	for name, rm := range r.rooms {
		names = append(names, name)
		snapshot = append(snapshot, rm)
	}
	r.mu.RUnlock()

	var away []flagged
	for i, rm := range snapshot {
		rm.mu.Lock()
		for _, p := range rm.users {
			if p.Status == StatusOnline && p.LastSeen.Before(cutoff) {
				p.Status = StatusAway
				away = append(away, flagged{room: names[i], p: *p})
			}
		}
		rm.mu.Unlock()
	}

	for _, f := range away {
		r.logger.Debug("user marked away",
			slog.String("room", f.room),
			slog.String("user", f.p.UserID),
		)
		if r.hooks.OnAway != nil {
			r.hooks.OnAway(f.room, f.p)
		}
	}
}
