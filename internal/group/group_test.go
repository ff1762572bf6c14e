package group

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

func newTestRegistry(t *testing.T, members ...domain.PlayerID) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	if err := r.Create("living-room"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, m := range members {
		if err := r.Join("living-room", m); err != nil {
			t.Fatalf("join %s: %v", m, err)
		}
	}
	return r
}

func TestJoin_FirstMemberLeads(t *testing.T) {
	r := newTestRegistry(t, "p1", "p2")

	leader, ok := r.Leader("living-room")
	if !ok || leader != "p1" {
		t.Fatalf("expected p1 to lead, got %s (%v)", leader, ok)
	}
	if got := r.Members("living-room"); len(got) != 2 {
		t.Fatalf("expected 2 members, got %v", got)
	}

	// Joining again is idempotent.
	if err := r.Join("living-room", "p1"); err != nil {
		t.Fatalf("re-join should be a no-op, got %v", err)
	}
	if got := r.Members("living-room"); len(got) != 2 {
		t.Fatalf("re-join duplicated membership: %v", got)
	}
}

func TestJoin_RejectsSecondGroup(t *testing.T) {
	r := newTestRegistry(t, "p1")
	if err := r.Create("kitchen"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Join("kitchen", "p1"); err == nil {
		t.Fatal("expected join to fail while bound to another group")
	}
	if err := r.Join("attic", "p2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown group, got %v", err)
	}
}

func TestLeave_FollowerKeepsLeader(t *testing.T) {
	r := newTestRegistry(t, "p1", "p2")

	newLeader, err := r.Leave("living-room", "p2")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if newLeader != "" {
		t.Errorf("follower leaving must not transfer leadership, got %s", newLeader)
	}
	if leader, _ := r.Leader("living-room"); leader != "p1" {
		t.Errorf("leader changed to %s", leader)
	}
	if _, ok := r.GroupOf("p2"); ok {
		t.Error("reverse index still maps p2")
	}
}

func TestLeave_LeaderTransfersLeadership(t *testing.T) {
	r := newTestRegistry(t, "p1", "p2", "p3")

	newLeader, err := r.Leave("living-room", "p1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if newLeader != "p2" {
		t.Fatalf("expected leadership to pass to p2, got %s", newLeader)
	}
	if leader, _ := r.Leader("living-room"); leader != "p2" {
		t.Fatalf("registry disagrees: leader %s", leader)
	}
}

func TestLeave_LastMemberEmptiesGroup(t *testing.T) {
	r := newTestRegistry(t, "p1")

	newLeader, err := r.Leave("living-room", "p1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if newLeader != "" {
		t.Errorf("empty group has no leader, got %s", newLeader)
	}
	if _, ok := r.Leader("living-room"); ok {
		t.Error("emptied group still reports a leader")
	}
	if err := r.Remove("living-room"); err != nil {
		t.Fatalf("remove emptied group: %v", err)
	}
}

func TestLeave_StaleMemberIsBenign(t *testing.T) {
	r := newTestRegistry(t, "p1")
	if _, err := r.Leave("living-room", "p9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	r := newTestRegistry(t, "p1", "p2", "p3")
	r.Leave("living-room", "p1") // leadership now with p2

	snap, ok := r.Snapshot("living-room")
	if !ok {
		t.Fatal("snapshot missing")
	}

	restored := NewRegistry(zap.NewNop())
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if leader, _ := restored.Leader("living-room"); leader != "p2" {
		t.Errorf("leader lost in round trip: %s", leader)
	}
	if got := restored.Members("living-room"); len(got) != 2 {
		t.Errorf("membership lost: %v", got)
	}
	if gid, ok := restored.GroupOf("p3"); !ok || gid != "living-room" {
		t.Errorf("reverse index not rebuilt: %s %v", gid, ok)
	}
}
