package undo_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/nirmalarya/autograph/internal/undo"
)

func newTestManager(depth int) *undo.Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return undo.NewManager(depth, logger)
}

func TestUndoRedoSymmetry(t *testing.T) {
	m := newTestManager(50)

	m.Record("doc-1", "alice", undo.Action{Type: "create", ElementID: "el-0"})
	recorded := m.Record("doc-1", "alice", undo.Action{Type: "move", ElementID: "el-1"})
	undoBefore, redoBefore := m.Depths("doc-1", "alice")

	undone, err := m.Undo("doc-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if undone.ID != recorded.ID {
		t.Errorf("undo should pop the most recent action, got %s want %s", undone.ID, recorded.ID)
	}

	redone, err := m.Redo("doc-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if redone.ID != recorded.ID {
		t.Errorf("redo should restore the undone action, got %s want %s", redone.ID, recorded.ID)
	}

	undoAfter, redoAfter := m.Depths("doc-1", "alice")
	if undoAfter != undoBefore || redoAfter != redoBefore {
		t.Errorf("undo+redo should restore stack depths, got (%d,%d) want (%d,%d)",
			undoAfter, redoAfter, undoBefore, redoBefore)
	}
}

func TestRecordClearsRedoStack(t *testing.T) {
	m := newTestManager(50)

	m.Record("doc-1", "alice", undo.Action{Type: "move"})
	m.Undo("doc-1", "alice")
	if _, redo := m.Depths("doc-1", "alice"); redo != 1 {
		t.Fatalf("expected one redoable action, got %d", redo)
	}

	m.Record("doc-1", "alice", undo.Action{Type: "resize"})
	if _, redo := m.Depths("doc-1", "alice"); redo != 0 {
		t.Errorf("a fresh action must clear the redo stack, got %d", redo)
	}
	if _, err := m.Redo("doc-1", "alice"); !errors.Is(err, undo.ErrNothingToRedo) {
		t.Errorf("expected ErrNothingToRedo, got %v", err)
	}
}

func TestStackBound(t *testing.T) {
	m := newTestManager(50)

	for i := 0; i < 60; i++ {
		m.Record("doc-1", "alice", undo.Action{Type: "move", ElementID: fmt.Sprintf("el-%d", i)})
	}
	if depth, _ := m.Depths("doc-1", "alice"); depth != 50 {
		t.Fatalf("expected undo depth 50, got %d", depth)
	}

	// Drain: the oldest ten (el-0..el-9) must be the ones that fell off.
	var last undo.Action
	for i := 0; i < 50; i++ {
		a, err := m.Undo("doc-1", "alice")
		if err != nil {
			t.Fatalf("undo %d failed: %v", i, err)
		}
		last = a
	}
	if last.ElementID != "el-10" {
		t.Errorf("expected oldest surviving action el-10, got %s", last.ElementID)
	}
	if _, err := m.Undo("doc-1", "alice"); !errors.Is(err, undo.ErrNothingToUndo) {
		t.Errorf("expected ErrNothingToUndo on empty stack, got %v", err)
	}
}

func TestStacksAreStrictlyPerUser(t *testing.T) {
	m := newTestManager(50)

	m.Record("doc-1", "alice", undo.Action{Type: "move"})
	m.Record("doc-1", "bob", undo.Action{Type: "resize"})

	a, err := m.Undo("doc-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Type != "move" || a.UserID != "alice" {
		t.Errorf("alice's undo must come from alice's stack, got %+v", a)
	}
	if depth, _ := m.Depths("doc-1", "bob"); depth != 1 {
		t.Errorf("bob's stack must be untouched by alice's undo, got depth %d", depth)
	}
}

func TestUndoEmptyStackIsError(t *testing.T) {
	m := newTestManager(50)
	if _, err := m.Undo("doc-1", "ghost"); !errors.Is(err, undo.ErrNothingToUndo) {
		t.Errorf("expected ErrNothingToUndo, got %v", err)
	}
	if _, err := m.Redo("doc-1", "ghost"); !errors.Is(err, undo.ErrNothingToRedo) {
		t.Errorf("expected ErrNothingToRedo, got %v", err)
	}
}

func TestDropUserAndRoom(t *testing.T) {
	m := newTestManager(50)
	m.Record("doc-1", "alice", undo.Action{Type: "move"})
	m.Record("doc-1", "bob", undo.Action{Type: "move"})

	m.DropUser("doc-1", "alice")
	if depth, _ := m.Depths("doc-1", "alice"); depth != 0 {
		t.Errorf("expected alice's history gone, got %d", depth)
	}
	if depth, _ := m.Depths("doc-1", "bob"); depth != 1 {
		t.Errorf("bob should survive alice's drop, got %d", depth)
	}

	m.DropRoom("doc-1")
	if depth, _ := m.Depths("doc-1", "bob"); depth != 0 {
		t.Errorf("expected room history gone, got %d", depth)
	}
}
