// Package httpapi exposes read-only projections over the engine's in-memory
// state: room listings, presence, activity, operation and conflict history,
// and follow relationships. No endpoint has write semantics.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nirmalarya/autograph/internal/activity"
	"github.com/nirmalarya/autograph/internal/conflict"
	"github.com/nirmalarya/autograph/internal/follow"
	"github.com/nirmalarya/autograph/internal/presence"
)

// ConnectionCounter reports the local sockets joined to a room; the gateway
// provides it.
type ConnectionCounter func(room string) int

// API serves the projections.
type API struct {
	logger    *slog.Logger
	presence  *presence.Registry
	feed      *activity.Feed
	conflicts *conflict.Engine
	follows   *follow.Tracker
	connCount ConnectionCounter
}

func New(
	reg *presence.Registry,
	feed *activity.Feed,
	conflicts *conflict.Engine,
	follows *follow.Tracker,
	connCount ConnectionCounter,
	logger *slog.Logger,
) *API {
	return &API{
		logger:    logger.With(slog.String("component", "httpapi")),
		presence:  reg,
		feed:      feed,
		conflicts: conflicts,
		follows:   follows,
		connCount: connCount,
	}
}

// Register mounts the projection routes.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}/users", a.roomScoped(a.handleRoomUsers)).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}/activity", a.roomScoped(a.handleRoomActivity)).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}/operations", a.roomScoped(a.handleRoomOperations)).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}/conflicts", a.roomScoped(a.handleRoomConflicts)).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}/follows", a.roomScoped(a.handleRoomFollows)).Methods(http.MethodGet)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// roomScoped rejects requests for rooms this instance does not know.
func (a *API) roomScoped(next func(w http.ResponseWriter, r *http.Request, room string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := mux.Vars(r)["room"]
		if !a.presence.HasRoom(room) {
			a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
			return
		}
		next(w, r, room)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type roomView struct {
	Room        string `json:"room"`
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
}

func (a *API) handleRooms(w http.ResponseWriter, _ *http.Request) {
	summaries := a.presence.RoomSummaries()
	out := make([]roomView, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, roomView{
			Room:        s.Room,
			Users:       s.Users,
			Connections: a.connCount(s.Room),
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRoomUsers(w http.ResponseWriter, _ *http.Request, room string) {
	users := a.presence.ActiveUsers(room)
	if users == nil {
		users = []presence.Presence{}
	}
	a.writeJSON(w, http.StatusOK, users)
}

func (a *API) handleRoomActivity(w http.ResponseWriter, r *http.Request, room string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	entries := a.feed.Recent(room, limit)
	if entries == nil {
		entries = []activity.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleRoomOperations(w http.ResponseWriter, _ *http.Request, room string) {
	ops := a.conflicts.History(room)
	if ops == nil {
		ops = []conflict.Operation{}
	}
	a.writeJSON(w, http.StatusOK, ops)
}

func (a *API) handleRoomConflicts(w http.ResponseWriter, _ *http.Request, room string) {
	records := a.conflicts.Conflicts(room)
	if records == nil {
		records = []conflict.Record{}
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *API) handleRoomFollows(w http.ResponseWriter, _ *http.Request, room string) {
	a.writeJSON(w, http.StatusOK, a.follows.Snapshot(room))
}
