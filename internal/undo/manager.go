// Package undo keeps independent, bounded undo/redo histories per user per
// room. One user's history is never touched by another user's edits.
package undo

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNothingToUndo = errors.New("No actions to undo")
	ErrNothingToRedo = errors.New("No actions to redo")
)

// Action is one undoable step, opaque to the manager beyond its identity.
type Action struct {
	ID          string          `json:"action_id"`
	UserID      string          `json:"user_id"`
	Type        string          `json:"action_type"`
	ElementID   string          `json:"element_id,omitempty"`
	ElementType string          `json:"element_type,omitempty"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// stacks holds one user's histories. Newest entries sit at the end.
type stacks struct {
	undo []Action
	redo []Action
}

// Manager tracks undo/redo stacks for every (room, user) pair.
type Manager struct {
	logger *slog.Logger
	depth  int

	mu    sync.Mutex
	rooms map[string]map[string]*stacks
}

// NewManager creates a manager whose stacks hold at most depth entries each.
func NewManager(depth int, logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With(slog.String("component", "undo")),
		depth:  depth,
		rooms:  make(map[string]map[string]*stacks),
	}
}

func (m *Manager) userStacks(room, userID string, create bool) *stacks {
	users := m.rooms[room]
	if users == nil {
		if !create {
			return nil
		}
		users = make(map[string]*stacks)
		m.rooms[room] = users
	}
	s := users[userID]
	if s == nil && create {
		s = &stacks{}
		users[userID] = s
	}
	return s
}

// push appends to a stack, dropping the oldest entry past the depth bound.
func (m *Manager) push(stack []Action, a Action) []Action {
	stack = append(stack, a)
	if overflow := len(stack) - m.depth; overflow > 0 {
		stack = stack[overflow:]
	}
	return stack
}

// Record registers a newly performed action. It lands on the user's undo
// stack and wipes their redo stack: a fresh edit invalidates any redo line.
func (m *Manager) Record(room, userID string, a Action) Action {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.UserID = userID
	a.RecordedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.userStacks(room, userID, true)
	s.undo = m.push(s.undo, a)
	s.redo = nil
	return a
}

// Undo pops the user's most recent action onto their redo stack and returns
// it so callers can broadcast the reversal.
func (m *Manager) Undo(room, userID string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.userStacks(room, userID, false)
	if s == nil || len(s.undo) == 0 {
		return Action{}, ErrNothingToUndo
	}
	a := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = m.push(s.redo, a)
	return a, nil
}

// Redo is the mirror of Undo.
func (m *Manager) Redo(room, userID string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.userStacks(room, userID, false)
	if s == nil || len(s.redo) == 0 {
		return Action{}, ErrNothingToRedo
	}
	a := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = m.push(s.undo, a)
	return a, nil
}

// Depths reports the current stack sizes for one user.
func (m *Manager) Depths(room, userID string) (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.userStacks(room, userID, false)
	if s == nil {
		return 0, 0
	}
	return len(s.undo), len(s.redo)
}

// DropUser discards one user's histories, e.g. after their seat is purged.
func (m *Manager) DropUser(room, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.rooms[room]
	delete(users, userID)
	if len(users) == 0 {
		delete(m.rooms, room)
	}
}

// DropRoom discards every history in a room.
func (m *Manager) DropRoom(room string) {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()
}
