package protocol

import (
	"encoding/json"
	"fmt"
)

// Validatable is implemented by every inbound payload type.
type Validatable interface {
	Validate() error
}

// Unmarshal decodes an envelope's payload into dst and validates it.
func Unmarshal(env *Envelope, dst Validatable) error {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return dst.Validate()
}

// JoinRoom asks to enter a room. UserID and Username are advisory: when the
// connection carries a verified identity that identity wins.
type JoinRoom struct {
	Room     string `json:"room"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (p *JoinRoom) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type LeaveRoom struct {
	Room string `json:"room"`
}

func (p *LeaveRoom) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type CursorMove struct {
	Room string  `json:"room"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (p *CursorMove) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type SelectionChange struct {
	Room     string   `json:"room"`
	Selected []string `json:"selected_elements"`
}

func (p *SelectionChange) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type ElementEdit struct {
	Room      string `json:"room"`
	ElementID string `json:"element_id"`
}

func (p *ElementEdit) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.ElementID == "" {
		return requiredErr("element_id")
	}
	return nil
}

type ElementRelease struct {
	Room      string `json:"room"`
	ElementID string `json:"element_id"`
}

func (p *ElementRelease) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.ElementID == "" {
		return requiredErr("element_id")
	}
	return nil
}

type TypingStatus struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"is_typing"`
}

func (p *TypingStatus) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

// OperationSubmit carries a document mutation. Old and new values stay opaque
// until the conflict engine inspects them.
type OperationSubmit struct {
	Room          string          `json:"room"`
	ElementID     string          `json:"element_id"`
	OperationType string          `json:"operation_type"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
}

func (p *OperationSubmit) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.ElementID == "" {
		return requiredErr("element_id")
	}
	if p.OperationType == "" {
		return requiredErr("operation_type")
	}
	return nil
}

type AnnotationDraw struct {
	Room           string          `json:"room"`
	AnnotationType string          `json:"annotation_type"`
	Coordinates    json.RawMessage `json:"coordinates,omitempty"`
	Color          string          `json:"color,omitempty"`
}

func (p *AnnotationDraw) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.AnnotationType == "" {
		return requiredErr("annotation_type")
	}
	return nil
}

type FollowUser struct {
	Room       string `json:"room"`
	FolloweeID string `json:"followee_id"`
}

func (p *FollowUser) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.FolloweeID == "" {
		return requiredErr("followee_id")
	}
	return nil
}

type UnfollowUser struct {
	Room string `json:"room"`
}

func (p *UnfollowUser) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type ViewportUpdate struct {
	Room string  `json:"room"`
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

func (p *ViewportUpdate) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

// ActionPerformed records a completed user action for the undo history.
type ActionPerformed struct {
	Room        string          `json:"room"`
	ActionID    string          `json:"action_id,omitempty"`
	ActionType  string          `json:"action_type"`
	ElementID   string          `json:"element_id,omitempty"`
	ElementType string          `json:"element_type,omitempty"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
}

func (p *ActionPerformed) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.ActionType == "" {
		return requiredErr("action_type")
	}
	return nil
}

type UndoAction struct {
	Room string `json:"room"`
}

func (p *UndoAction) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

type RedoAction struct {
	Room string `json:"room"`
}

func (p *RedoAction) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	return nil
}

// Heartbeat carries the client's send time in unix milliseconds so the
// gateway can derive round-trip latency.
type Heartbeat struct {
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
}

func (p *Heartbeat) Validate() error {
	if p.Room == "" {
		return requiredErr("room")
	}
	if p.Timestamp <= 0 {
		return requiredErr("timestamp")
	}
	return nil
}
