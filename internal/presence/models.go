// Package presence tracks who is in each room, what they are doing, and how
// healthy their connection is. It is the source of truth for user lists,
// cursor positions, element edit locks, and online/away/offline status.
package presence

import (
	"errors"
	"time"
)

// Status is the coarse liveness of a user in a room.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Role controls what a user may do in a room.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

var ErrInvalidRole = errors.New("invalid role")

// ParseRole maps a wire string to a Role. An empty string is valid and means
// the payload did not ask for one: a fresh join then defaults to editor and a
// rejoin keeps the role the seat already has.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor, RoleAdmin, "":
		return Role(s), nil
	default:
		return "", ErrInvalidRole
	}
}

// Quality is a bucketed view of round-trip latency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityForLatency buckets a round-trip time in milliseconds.
func QualityForLatency(ms int64) Quality {
	switch {
	case ms < 50:
		return QualityExcellent
	case ms <= 150:
		return QualityGood
	case ms <= 300:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Cursor is a pointer position on the shared canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is one user's full state within a room.
type Presence struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	Color     string    `json:"color"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Selected  []string  `json:"selected_elements,omitempty"`
	Editing   string    `json:"editing_element,omitempty"`
	IsTyping  bool      `json:"is_typing"`
	LatencyMS int64     `json:"latency_ms"`
	Quality   Quality   `json:"connection_quality,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
	// LastHeartbeat is when the most recent latency sample arrived; unlike
	// LastSeen it moves on automatic pings, not user activity.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RoomSummary is a lightweight view of one room for listing endpoints.
type RoomSummary struct {
	Room  string `json:"room"`
	Users int    `json:"users"`
}

// palette is handed out in join order from a process-wide counter. Colors
// are not reserved: once more than eight users are live, reuse is expected.
var palette = [...]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}
