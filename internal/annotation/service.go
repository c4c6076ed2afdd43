// Package annotation manages short-lived drawing overlays. Every annotation
// carries a fixed time-to-live; a background reaper removes expired ones and
// reports each removal exactly once.
package annotation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Type is the shape of an annotation overlay.
type Type string

const (
	TypeCircle    Type = "circle"
	TypeArrow     Type = "arrow"
	TypeLine      Type = "line"
	TypeRectangle Type = "rectangle"
	TypeFreehand  Type = "freehand"
)

// ParseType validates a wire string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeCircle, TypeArrow, TypeLine, TypeRectangle, TypeFreehand:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown annotation type %q", s)
	}
}

// Annotation is one live overlay.
type Annotation struct {
	ID          string          `json:"annotation_id"`
	Room        string          `json:"room"`
	UserID      string          `json:"user_id"`
	Username    string          `json:"username"`
	Color       string          `json:"color,omitempty"`
	Type        Type            `json:"annotation_type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Config carries the lifetime knobs.
type Config struct {
	TTL          time.Duration
	ReapInterval time.Duration
}

// Service tracks annotations per room and runs the reaper.
type Service struct {
	logger *slog.Logger
	config Config

	// onExpire fires once per reaped annotation, outside all locks.
	onExpire func(a Annotation)

	mu    sync.Mutex
	rooms map[string]map[string]*Annotation

	expired metric.Int64Counter
}

// NewService creates an empty service.
func NewService(config Config, logger *slog.Logger) *Service {
	meter := otel.Meter("autograph/annotation")
	expired, _ := meter.Int64Counter("autograph.annotations.expired",
		metric.WithDescription("Annotations removed by the reaper."),
	)
	return &Service{
		logger:  logger.With(slog.String("component", "annotation")),
		config:  config,
		rooms:   make(map[string]map[string]*Annotation),
		expired: expired,
	}
}

// SetOnExpire installs the expiry callback. Not safe to call once Run has
// started.
func (s *Service) SetOnExpire(fn func(a Annotation)) {
	s.onExpire = fn
}

// Draw creates an annotation with the configured TTL.
func (s *Service) Draw(room, userID, username, color string, typ Type, coords json.RawMessage) Annotation {
	now := time.Now()
	a := &Annotation{
		ID:          uuid.NewString(),
		Room:        room,
		UserID:      userID,
		Username:    username,
		Color:       color,
		Type:        typ,
		Coordinates: coords,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.TTL),
	}

	s.mu.Lock()
	annotations := s.rooms[room]
	if annotations == nil {
		annotations = make(map[string]*Annotation)
		s.rooms[room] = annotations
	}
	annotations[a.ID] = a
	s.mu.Unlock()

	return *a
}

// Active lists a room's live annotations, oldest first.
func (s *Service) Active(room string) []Annotation {
	s.mu.Lock()
	annotations := s.rooms[room]
	out := make([]Annotation, 0, len(annotations))
	for _, a := range annotations {
		out = append(out, *a)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DropRoom discards a room's annotations without expiry notifications.
func (s *Service) DropRoom(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// Run drives the reaper until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	s.logger.Info("annotation reaper started",
		slog.Duration("ttl", s.config.TTL),
		slog.Duration("interval", s.config.ReapInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("annotation reaper stopped")
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap removes expired annotations across all rooms and empties out rooms
// with nothing left. Callbacks run after the lock is released so a handler
// may call back into the service.
func (s *Service) reap(ctx context.Context) {
	now := time.Now()
	var reaped []Annotation

	s.mu.Lock()
	for room, annotations := range s.rooms {
		for id, a := range annotations {
			if now.After(a.ExpiresAt) {
				reaped = append(reaped, *a)
				delete(annotations, id)
			}
		}
		if len(annotations) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()

	for _, a := range reaped {
		s.expired.Add(ctx, 1)
		s.logger.Debug("annotation expired",
			slog.String("room", a.Room),
			slog.String("id", a.ID),
		)
		if s.onExpire != nil {
			s.onExpire(a)
		}
	}
}
