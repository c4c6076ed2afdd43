package conflict

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config carries the detection and retention knobs.
type Config struct {
	// Window is the wall-clock span within which two operations on the same
	// element count as concurrent.
	Window time.Duration
	// HistorySize bounds the per-room operation ring used to find candidates.
	HistorySize int
	// LogSize bounds the per-room conflict log.
	LogSize int
	// Now stamps operations and records. Nil means time.Now; tests pin it to
	// exercise timestamp ties.
	Now func() time.Time
}

// roomState is everything the engine tracks for one room, behind its own
// mutex.
type roomState struct {
	mu       sync.Mutex
	history  []*Operation
	log      []Record
	elements map[string]Props
}

func newRoomState() *roomState {
	return &roomState{elements: make(map[string]Props)}
}

// Engine detects concurrent operations per element and resolves them. It is
// safe for concurrent use; rooms are independent.
type Engine struct {
	logger *slog.Logger
	config Config
	now    func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState

	resolved metric.Int64Counter
}

// NewEngine creates an engine with empty history.
func NewEngine(config Config, logger *slog.Logger) *Engine {
	meter := otel.Meter("autograph/conflict")
	resolved, _ := meter.Int64Counter("autograph.conflicts.resolved",
		metric.WithDescription("Conflicts resolved, by resolution kind."),
	)
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:   logger.With(slog.String("component", "conflict")),
		config:   config,
		now:      now,
		rooms:    make(map[string]*roomState),
		resolved: resolved,
	}
}

func (e *Engine) getRoom(name string, create bool) *roomState {
	e.mu.RLock()
	rs := e.rooms[name]
	e.mu.RUnlock()
	if rs != nil || !create {
		return rs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rs = e.rooms[name]; rs == nil {
		rs = newRoomState()
		e.rooms[name] = rs
	}
	return rs
}

// independentTypes lists operation type pairs that touch structurally
// separate aspects of an element, so differing types alone do not force a
// conflict. Symmetric closure is applied at lookup.
var independentTypes = map[[2]string]bool{
	{"move", "resize"}:   true,
	{"move", "rotate"}:   true,
	{"resize", "rotate"}: true,
	{"move", "style"}:    true,
	{"resize", "style"}:  true,
}

func typesIndependent(a, b string) bool {
	return independentTypes[[2]string{a, b}] || independentTypes[[2]string{b, a}]
}

// mergeable decides whether two concurrent operations on the same element can
// be combined rather than fought over. Different types must be structurally
// independent; either way the property sets must be disjoint and non-empty.
func mergeable(a, b *Operation) bool {
	if a.Type != b.Type && !typesIndependent(a.Type, b.Type) {
		return false
	}
	return a.NewValue.Disjoint(b.NewValue)
}

// later picks the operation that wins a last-write-wins fight: strictly later
// timestamp, with the lexicographically smaller user id breaking exact ties.
func later(a, b *Operation) *Operation {
	if a.Timestamp.After(b.Timestamp) {
		return a
	}
	if b.Timestamp.After(a.Timestamp) {
		return b
	}
	if a.UserID <= b.UserID {
		return a
	}
	return b
}

// Submit runs an inbound operation through detection and resolution. The
// returned operation is the one to broadcast and apply: the input itself when
// nothing concurrent was found, otherwise the outcome of folding the input
// against every untransformed concurrent candidate in arrival order. Records
// describe each resolution taken.
func (e *Engine) Submit(ctx context.Context, room, userID, elementID, opType string, oldRaw, newRaw json.RawMessage) (Operation, []Record, error) {
	oldValue, err := ParseProps(oldRaw)
	if err != nil {
		return Operation{}, nil, err
	}
	newValue, err := ParseProps(newRaw)
	if err != nil {
		return Operation{}, nil, err
	}

	op := &Operation{
		ID:        uuid.NewString(),
		Room:      room,
		UserID:    userID,
		ElementID: elementID,
		Type:      opType,
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: e.now(),
	}

	rs := e.getRoom(room, true)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	current := op
	var records []Record
	for _, candidate := range rs.history {
		if candidate.ElementID != elementID || candidate.Transformed {
			continue
		}
		if absDuration(current.Timestamp.Sub(candidate.Timestamp)) > e.config.Window {
			continue
		}
		resolved, record := e.resolve(current, candidate)
		candidate.Transformed = true
		records = append(records, record)
		current = resolved
	}

	rs.history = append(rs.history, current)
	if overflow := len(rs.history) - e.config.HistorySize; overflow > 0 {
		rs.history = rs.history[overflow:]
	}
	if len(records) > 0 {
		rs.log = append(rs.log, records...)
		if overflow := len(rs.log) - e.config.LogSize; overflow > 0 {
			rs.log = rs.log[overflow:]
		}
	}
	e.apply(rs, current)

	for _, rec := range records {
		e.resolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resolution", string(rec.Resolution)),
		))
		e.logger.Debug("conflict resolved",
			slog.String("room", room),
			slog.String("element", elementID),
			slog.String("resolution", string(rec.Resolution)),
		)
	}
	return *current, records, nil
}

// resolve settles one pair of concurrent operations on the same element.
func (e *Engine) resolve(incoming, candidate *Operation) (*Operation, Record) {
	record := Record{
		ID:         uuid.NewString(),
		Room:       incoming.Room,
		ElementID:  incoming.ElementID,
		Users:      []string{candidate.UserID, incoming.UserID},
		Operations: []string{candidate.ID, incoming.ID},
		Timestamp:  e.now(),
	}

	if mergeable(incoming, candidate) {
		newer := later(incoming, candidate)
		merged := &Operation{
			ID:          uuid.NewString(),
			Room:        incoming.Room,
			UserID:      newer.UserID,
			ElementID:   incoming.ElementID,
			Type:        newer.Type,
			NewValue:    unionProps(candidate.NewValue, incoming.NewValue),
			Timestamp:   newer.Timestamp,
			Transformed: true,
		}
		incoming.Transformed = true
		record.Resolution = ResolutionMerged
		record.MergedOp = merged.ID
		return merged, record
	}

	winner := later(incoming, candidate)
	incoming.Transformed = true
	resolved := *winner
	resolved.Transformed = true
	record.Resolution = ResolutionLWW
	record.Winner = winner.UserID
	return &resolved, record
}

// apply folds a resolved operation into the room's live element state. A
// delete removes the element outright; anything else merges the resolved
// properties key by key.
func (e *Engine) apply(rs *roomState, op *Operation) {
	if op.Type == OpDelete {
		delete(rs.elements, op.ElementID)
		return
	}
	if len(op.NewValue) == 0 {
		return
	}
	current := rs.elements[op.ElementID]
	if current == nil {
		current = make(Props, len(op.NewValue))
		rs.elements[op.ElementID] = current
	}
	for k, v := range op.NewValue {
		current[k] = v
	}
}

// unionProps combines two disjoint property sets; the right side wins on a
// key collision, which disjointness rules out before we get here.
func unionProps(left, right Props) Props {
	out := make(Props, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// History returns a copy of a room's operation ring, oldest first.
func (e *Engine) History(room string) []Operation {
	rs := e.getRoom(room, false)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Operation, len(rs.history))
	for i, op := range rs.history {
		out[i] = *op
	}
	return out
}

// Conflicts returns a copy of a room's conflict log, oldest first.
func (e *Engine) Conflicts(room string) []Record {
	rs := e.getRoom(room, false)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Record(nil), rs.log...)
}

// ElementState returns the accumulated resolved properties of one element.
func (e *Engine) ElementState(room, elementID string) (Props, bool) {
	rs := e.getRoom(room, false)
	if rs == nil {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	props, ok := rs.elements[elementID]
	if !ok {
		return nil, false
	}
	return props.clone(), true
}

// DropRoom discards all conflict state for a room.
func (e *Engine) DropRoom(room string) {
	e.mu.Lock()
	delete(e.rooms, room)
	e.mu.Unlock()
}
