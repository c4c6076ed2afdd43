// Package protocol defines the closed set of events spoken over a
// collaboration socket. Inbound frames are decoded at the gateway boundary
// into one of the payload types below; anything outside the set is rejected
// before it can touch room state.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventType names one message kind on the wire.
type EventType string

// Client → server events.
const (
	EventJoinRoom        EventType = "join_room"
	EventLeaveRoom       EventType = "leave_room"
	EventCursorMove      EventType = "cursor_move"
	EventSelectionChange EventType = "selection_change"
	EventElementEdit     EventType = "element_edit"
	EventElementRelease  EventType = "element_release"
	EventTypingStatus    EventType = "typing_status"
	EventOperation       EventType = "operation"
	EventAnnotationDraw  EventType = "annotation_draw"
	EventFollowUser      EventType = "follow_user"
	EventUnfollowUser    EventType = "unfollow_user"
	EventViewportUpdate  EventType = "viewport_update"
	EventActionPerformed EventType = "action_performed"
	EventUndoAction      EventType = "undo_action"
	EventRedoAction      EventType = "redo_action"
	EventHeartbeat       EventType = "heartbeat"
)

// Server → client events.
const (
	EventAck               EventType = "ack"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventPresenceUpdate    EventType = "presence_update"
	EventCursorMoved       EventType = "cursor_moved"
	EventSelectionChanged  EventType = "selection_changed"
	EventElementLocked     EventType = "element_locked"
	EventElementReleased   EventType = "element_released"
	EventTypingChanged     EventType = "typing_changed"
	EventOperationApplied  EventType = "operation_applied"
	EventAnnotationCreated EventType = "annotation_created"
	EventAnnotationExpired EventType = "annotation_expired"
	EventFollowStarted     EventType = "follow_started"
	EventFollowStopped     EventType = "follow_stopped"
	EventViewportChanged   EventType = "viewport_changed"
	EventActionRecorded    EventType = "action_recorded"
	EventActionUndone      EventType = "action_undone"
	EventActionRedone      EventType = "action_redone"
)

var ErrMalformed = errors.New("malformed message")

// Envelope frames every message in both directions. Seq is echoed back on
// acks so clients can correlate request and response.
type Envelope struct {
	Event   EventType       `json:"event"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a raw frame. The event name is peeked first so an
// oversized or junk payload is rejected without a full decode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	if !gjson.GetBytes(data, "event").Exists() {
		return nil, errors.New("event required")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, errors.New("event required")
	}
	return &env, nil
}

// Encode marshals an outbound envelope.
func Encode(event EventType, seq int64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Seq: seq, Payload: raw})
}

// requiredErr builds the canonical protocol-error message for a missing field.
func requiredErr(field string) error {
	return fmt.Errorf("%s required", field)
}
