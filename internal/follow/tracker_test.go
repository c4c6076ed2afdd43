package follow_test

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/nirmalarya/autograph/internal/follow"
)

func newTestTracker() *follow.Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return follow.NewTracker(logger)
}

func TestFollowReplaysKnownViewport(t *testing.T) {
	tr := newTestTracker()

	if _, known := tr.Follow("doc-1", "bob", "alice"); known {
		t.Error("no viewport recorded yet, nothing to replay")
	}

	tr.UpdateViewport("doc-1", "alice", follow.Viewport{PanX: 10, PanY: 20, Zoom: 1.5})
	vp, known := tr.Follow("doc-1", "carol", "alice")
	if !known {
		t.Fatal("expected alice's viewport to be replayed at follow-start")
	}
	if vp.PanX != 10 || vp.PanY != 20 || vp.Zoom != 1.5 {
		t.Errorf("unexpected viewport %+v", vp)
	}
}

func TestFollowOverwritesPriorFollowee(t *testing.T) {
	tr := newTestTracker()

	tr.Follow("doc-1", "bob", "alice")
	tr.Follow("doc-1", "bob", "carol")

	if followers := tr.Followers("doc-1", "alice"); len(followers) != 0 {
		t.Errorf("bob switched to carol, alice should have no followers, got %v", followers)
	}
	if followers := tr.Followers("doc-1", "carol"); !reflect.DeepEqual(followers, []string{"bob"}) {
		t.Errorf("expected [bob] following carol, got %v", followers)
	}
}

func TestViewportUpdateReturnsFollowers(t *testing.T) {
	tr := newTestTracker()

	if followers := tr.UpdateViewport("doc-1", "alice", follow.Viewport{Zoom: 1}); len(followers) != 0 {
		t.Errorf("nobody follows alice yet, got %v", followers)
	}

	tr.Follow("doc-1", "bob", "alice")
	tr.Follow("doc-1", "carol", "alice")
	followers := tr.UpdateViewport("doc-1", "alice", follow.Viewport{Zoom: 2})
	if !reflect.DeepEqual(followers, []string{"bob", "carol"}) {
		t.Errorf("expected sorted followers [bob carol], got %v", followers)
	}
}

func TestUnfollowWithoutRelationship(t *testing.T) {
	tr := newTestTracker()

	if _, ok := tr.Unfollow("doc-1", "bob"); ok {
		t.Error("unfollow with no relationship must report failure")
	}

	tr.Follow("doc-1", "bob", "alice")
	followee, ok := tr.Unfollow("doc-1", "bob")
	if !ok || followee != "alice" {
		t.Errorf("expected unfollow of alice, got %s ok=%v", followee, ok)
	}
	if _, ok := tr.Unfollow("doc-1", "bob"); ok {
		t.Error("second unfollow must report failure")
	}
}

func TestDropUserRemovesBothDirections(t *testing.T) {
	tr := newTestTracker()

	tr.Follow("doc-1", "bob", "alice")
	tr.Follow("doc-1", "carol", "alice")
	tr.Follow("doc-1", "alice", "dave")

	orphaned := tr.DropUser("doc-1", "alice")
	if !reflect.DeepEqual(orphaned, []string{"bob", "carol"}) {
		t.Errorf("expected orphaned followers [bob carol], got %v", orphaned)
	}
	if snap := tr.Snapshot("doc-1"); len(snap) != 0 {
		t.Errorf("expected no relationships left, got %v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := newTestTracker()
	tr.Follow("doc-1", "bob", "alice")

	snap := tr.Snapshot("doc-1")
	snap["bob"] = "mallory"
	if again := tr.Snapshot("doc-1"); again["bob"] != "alice" {
		t.Errorf("snapshot mutation leaked into the tracker: %v", again)
	}
}
