package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/nirmalarya/autograph/internal/activity"
	"github.com/nirmalarya/autograph/internal/conflict"
	"github.com/nirmalarya/autograph/internal/follow"
	"github.com/nirmalarya/autograph/internal/httpapi"
	"github.com/nirmalarya/autograph/internal/presence"
)

func newTestServer(t *testing.T) (*httptest.Server, *presence.Registry, *activity.Feed, *conflict.Engine, *follow.Tracker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := presence.NewRegistry(presence.Config{
		GracePeriod:   time.Minute,
		AwayAfter:     time.Minute,
		SweepInterval: time.Minute,
	}, logger)
	feed := activity.NewFeed(100, logger)
	engine := conflict.NewEngine(conflict.Config{
		Window:      time.Second,
		HistorySize: 1000,
		LogSize:     100,
	}, logger)
	follows := follow.NewTracker(logger)

	api := httpapi.New(reg, feed, engine, follows, func(string) int { return 1 }, logger)
	router := mux.NewRouter()
	api.Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, reg, feed, engine, follows
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	status, body := get(t, srv.URL+"/healthz")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("unexpected body %s", body)
	}
}

func TestListRooms(t *testing.T) {
	srv, reg, _, _, _ := newTestServer(t)
	reg.Join("doc-1", "alice", "Alice", presence.RoleEditor)
	reg.Join("doc-1", "bob", "Bob", presence.RoleViewer)

	status, body := get(t, srv.URL+"/api/rooms")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var rooms []struct {
		Room        string `json:"room"`
		Users       int    `json:"users"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &rooms); err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].Room != "doc-1" || rooms[0].Users != 2 {
		t.Errorf("unexpected rooms listing: %s", body)
	}
	if rooms[0].Connections != 1 {
		t.Errorf("expected connection count from the counter, got %d", rooms[0].Connections)
	}
}

func TestRoomUsersAndNotFound(t *testing.T) {
	srv, reg, _, _, _ := newTestServer(t)
	reg.Join("doc-1", "alice", "Alice", presence.RoleAdmin)

	status, body := get(t, srv.URL+"/api/rooms/doc-1/users")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var users []presence.Presence
	if err := json.Unmarshal(body, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].UserID != "alice" || users[0].Role != presence.RoleAdmin {
		t.Errorf("unexpected users: %s", body)
	}

	if status, _ := get(t, srv.URL+"/api/rooms/ghost/users"); status != http.StatusNotFound {
		t.Errorf("unknown room should 404, got %d", status)
	}
}

func TestRoomActivityLimit(t *testing.T) {
	srv, reg, feed, _, _ := newTestServer(t)
	reg.Join("doc-1", "alice", "Alice", presence.RoleEditor)
	for i := 0; i < 5; i++ {
		feed.Record("doc-1", "alice", "Alice", "joined", nil)
	}

	status, body := get(t, srv.URL+"/api/rooms/doc-1/activity?limit=2")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var entries []activity.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries with limit=2, got %d", len(entries))
	}

	if status, _ := get(t, srv.URL+"/api/rooms/doc-1/activity?limit=nope"); status != http.StatusBadRequest {
		t.Errorf("junk limit should 400, got %d", status)
	}
}

func TestRoomOperationsAndConflicts(t *testing.T) {
	srv, reg, _, engine, _ := newTestServer(t)
	reg.Join("doc-1", "alice", "Alice", presence.RoleEditor)

	ctx := context.Background()
	engine.Submit(ctx, "doc-1", "alice", "el-1", "move", nil, json.RawMessage(`{"x":1}`))
	engine.Submit(ctx, "doc-1", "bob", "el-1", "move", nil, json.RawMessage(`{"x":2}`))

	status, body := get(t, srv.URL+"/api/rooms/doc-1/operations")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var ops []conflict.Operation
	if err := json.Unmarshal(body, &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("expected 2 operations in history, got %d", len(ops))
	}

	status, body = get(t, srv.URL+"/api/rooms/doc-1/conflicts")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var records []conflict.Record
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Resolution != conflict.ResolutionLWW {
		t.Errorf("unexpected conflict log: %s", body)
	}
}

func TestRoomFollows(t *testing.T) {
	srv, reg, _, _, follows := newTestServer(t)
	reg.Join("doc-1", "alice", "Alice", presence.RoleEditor)
	follows.Follow("doc-1", "bob", "alice")

	status, body := get(t, srv.URL+"/api/rooms/doc-1/follows")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var snap map[string]string
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["bob"] != "alice" {
		t.Errorf("unexpected follow snapshot: %s", body)
	}
}
