package presence_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/presence/presencetest"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

func TestRegistry_RegisterTwiceKeepsLatestHandle(t *testing.T) {
	r := presence.NewRegistry()
	first := presencetest.NewRecorder("c1")
	second := presencetest.NewRecorder("c2")

	if _, replaced := r.Register("alice", first); replaced {
		t.Fatalf("first registration reported a replacement")
	}
	evicted, replaced := r.Register("alice", second)
	if !replaced || evicted.Handle != first {
		t.Fatalf("evicted=%v replaced=%v, want first handle evicted", evicted.Handle, replaced)
	}

	if got := r.Len(); got != 1 {
		t.Fatalf("Len()=%d, want 1", got)
	}
	h, ok := r.Lookup("alice")
	if !ok || h != second {
		t.Fatalf("Lookup returned %v, want latest handle", h)
	}
	if r.Owns("alice", first) {
		t.Fatalf("evicted handle still owns the entry")
	}
	if closed, _ := first.Closed(); closed {
		t.Fatalf("registry must not close the evicted handle")
	}
}

func TestRegistry_BroadcastsPresenceToOthers(t *testing.T) {
	r := presence.NewRegistry()
	alice := presencetest.NewRecorder("a")
	bob := presencetest.NewRecorder("b")

	r.Register("alice", alice)
	r.Register("bob", bob)

	if diff := cmp.Diff([]protocol.Message{protocol.UserOnline("bob")}, alice.Messages()); diff != "" {
		t.Fatalf("alice messages mismatch (-want +got):\n%s", diff)
	}
	if got := bob.Messages(); len(got) != 0 {
		t.Fatalf("bob received %v, want nothing", got)
	}

	if !r.Unregister("bob") {
		t.Fatalf("Unregister(bob)=false, want true")
	}
	if r.Unregister("bob") {
		t.Fatalf("second Unregister(bob)=true, want false")
	}

	want := []protocol.Message{protocol.UserOnline("bob"), protocol.UserOffline("bob")}
	if diff := cmp.Diff(want, alice.Messages()); diff != "" {
		t.Fatalf("alice messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_LookupUnknownUser(t *testing.T) {
	r := presence.NewRegistry()
	if h, ok := r.Lookup("nobody"); ok || h != nil {
		t.Fatalf("Lookup(nobody)=(%v,%v), want (nil,false)", h, ok)
	}
}

func TestRegistry_SnapshotIsSorted(t *testing.T) {
	r := presence.NewRegistry()
	for _, id := range []string{"carol", "alice", "bob"} {
		r.Register(id, presencetest.NewRecorder(id))
	}
	var got []string
	for _, e := range r.Snapshot() {
		got = append(got, e.UserID)
		if e.ConnectedAt.IsZero() {
			t.Fatalf("entry %q has zero ConnectedAt", e.UserID)
		}
	}
	if diff := cmp.Diff([]string{"alice", "bob", "carol"}, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
