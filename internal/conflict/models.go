// Package conflict detects concurrent edits to the same element and resolves
// them, merging when the edits touch disjoint properties and falling back to
// last-write-wins when they collide.
package conflict

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Props is a flat bag of element properties, decoded from the opaque values
// clients send. Keys are property names, values are whatever JSON carried.
type Props map[string]any

// ParseProps decodes a raw JSON value into Props. Null or absent values
// decode to nil, anything that is not a JSON object is rejected.
func ParseProps(raw json.RawMessage) (Props, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.Null {
		return nil, nil
	}
	if !parsed.IsObject() {
		return nil, errors.New("value must be a JSON object")
	}
	m, _ := parsed.Value().(map[string]any)
	return Props(m), nil
}

// Keys returns the property names set on p.
func (p Props) Keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}

// Disjoint reports whether p and other share no property names. Empty sets
// are never considered disjoint: an edit that carries no properties (a
// delete, typically) cannot be merged with anything.
func (p Props) Disjoint(other Props) bool {
	if len(p) == 0 || len(other) == 0 {
		return false
	}
	for k := range p {
		if _, ok := other[k]; ok {
			return false
		}
	}
	return true
}

// clone returns a shallow copy so callers can hold results without racing
// the engine.
func (p Props) clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// OpDelete removes an element; its new value is empty and it never merges.
const OpDelete = "delete"

// Operation is one document mutation flowing through the engine.
type Operation struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	UserID      string    `json:"user_id"`
	ElementID   string    `json:"element_id"`
	Type        string    `json:"operation_type"`
	OldValue    Props     `json:"old_value,omitempty"`
	NewValue    Props     `json:"new_value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Transformed bool      `json:"transformed"`
}

// Resolution names how a conflict was settled.
type Resolution string

const (
	ResolutionMerged Resolution = "merged"
	ResolutionLWW    Resolution = "last_write_wins"
)

// Record describes one resolved conflict for the room's conflict log.
type Record struct {
	ID         string     `json:"id"`
	Room       string     `json:"room"`
	ElementID  string     `json:"element_id"`
	Users      []string   `json:"users"`
	Operations []string   `json:"operation_ids"`
	Resolution Resolution `json:"resolution"`
	// Winner is set for last-write-wins outcomes.
	Winner string `json:"winner,omitempty"`
	// MergedOp is set for merges and names the synthetic operation.
	MergedOp  string    `json:"merged_operation_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
