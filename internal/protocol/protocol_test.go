package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/nirmalarya/autograph/internal/protocol"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"event":"cursor_move","seq":7,"payload":{"room":"design","x":10,"y":20}}`)

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != protocol.EventCursorMove {
		t.Errorf("expected event %q, got %q", protocol.EventCursorMove, env.Event)
	}
	if env.Seq != 7 {
		t.Errorf("expected seq 7, got %d", env.Seq)
	}

	var p protocol.CursorMove
	if err := protocol.Unmarshal(env, &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.Room != "design" || p.X != 10 || p.Y != 20 {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeEnvelopeRejectsJunk(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"missing event", `{"payload":{"room":"a"}}`},
		{"empty event", `{"event":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := protocol.DecodeEnvelope([]byte(tc.raw)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestUnmarshalReportsMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		dst     protocol.Validatable
		want    string
	}{
		{"join without room", `{}`, &protocol.JoinRoom{}, "room required"},
		{"edit without element", `{"room":"a"}`, &protocol.ElementEdit{}, "element_id required"},
		{"operation without type", `{"room":"a","element_id":"e1"}`, &protocol.OperationSubmit{}, "operation_type required"},
		{"annotation without type", `{"room":"a"}`, &protocol.AnnotationDraw{}, "annotation_type required"},
		{"follow without target", `{"room":"a"}`, &protocol.FollowUser{}, "followee_id required"},
		{"action without type", `{"room":"a"}`, &protocol.ActionPerformed{}, "action_type required"},
		{"heartbeat without timestamp", `{"room":"a"}`, &protocol.Heartbeat{}, "timestamp required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := &protocol.Envelope{Event: "x", Payload: json.RawMessage(tc.payload)}
			err := protocol.Unmarshal(env, tc.dst)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if err.Error() != tc.want {
				t.Errorf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestEncode(t *testing.T) {
	raw, err := protocol.Encode(protocol.EventAck, 3, map[string]any{"success": true})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != protocol.EventAck || env.Seq != 3 {
		t.Errorf("unexpected envelope: %+v", env)
	}

	var body map[string]any
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if body["success"] != true {
		t.Errorf("expected success true, got %v", body["success"])
	}
}
