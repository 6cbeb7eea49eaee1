package app

import (
	"strings"
	"testing"

	"github.com/openjamlab/jamlink/internal/domain"
)

func ids(users []domain.Participant) []domain.ClientID {
	out := make([]domain.ClientID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestJoin_CreatesRoomAndNormalizesID(t *testing.T) {
	reg := NewRegistry()

	res, ok := reg.Join("  abc123456789012  ", "c1", "Ann", "guitar")
	if !ok {
		t.Fatal("join rejected")
	}
	if res.RoomID != "ABC123456789" {
		t.Fatalf("room id not normalized, got %q", res.RoomID)
	}
	if len(res.Users) != 1 || res.Users[0].ID != "c1" {
		t.Fatalf("unexpected snapshot: %+v", res.Users)
	}
	if res.Users[0].Username != "Ann" || res.Users[0].Instrument != "guitar" {
		t.Fatalf("metadata lost: %+v", res.Users[0])
	}
	if !res.Users[0].AudioEnabled {
		t.Fatal("audio should default to enabled")
	}
}

func TestJoin_MalformedRoomIDDropped(t *testing.T) {
	reg := NewRegistry()
	for _, raw := range []string{"", "   ", "\t\n"} {
		if _, ok := reg.Join(raw, "c1", "Ann", ""); ok {
			t.Fatalf("join with room id %q should be dropped", raw)
		}
	}
	if rooms, _, _ := reg.Stats(); rooms != 0 {
		t.Fatalf("registry should stay empty, has %d rooms", rooms)
	}
}

func TestJoin_DefaultsApplied(t *testing.T) {
	reg := NewRegistry()
	res, _ := reg.Join("jam", "c1", "", "")
	if res.Users[0].Username != domain.DefaultUsername {
		t.Fatalf("username default missing: %q", res.Users[0].Username)
	}
	if res.Users[0].Instrument != domain.DefaultInstrument {
		t.Fatalf("instrument default missing: %q", res.Users[0].Instrument)
	}

	long := strings.Repeat("x", 100)
	res, _ = reg.Join("jam", "c2", long, long)
	if got := len(res.Users[1].Username); got != domain.MaxUsernameLen {
		t.Fatalf("username not clamped, len=%d", got)
	}
	if got := len(res.Users[1].Instrument); got != domain.MaxInstrumentLen {
		t.Fatalf("instrument not clamped, len=%d", got)
	}
}

func TestLeave_DeletesEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	reg.Join("jam", "c1", "Ann", "")
	reg.Join("jam", "c2", "Ben", "")

	dep, ok := reg.Leave("c1")
	if !ok {
		t.Fatal("leave failed")
	}
	if dep.RoomID != "JAM" || dep.Left.ID != "c1" {
		t.Fatalf("unexpected departure: %+v", dep)
	}
	if got := ids(dep.Users); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("post-removal snapshot wrong: %v", got)
	}

	dep, ok = reg.Leave("c2")
	if !ok || len(dep.Users) != 0 {
		t.Fatalf("final leave wrong: ok=%v users=%v", ok, dep.Users)
	}
	if rooms, _, _ := reg.Stats(); rooms != 0 {
		t.Fatal("empty room leaked in registry")
	}
	if reg.Snapshot("JAM") != nil {
		t.Fatal("snapshot of deleted room should be nil")
	}
}

func TestLeave_UnknownConnection(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Leave("ghost"); ok {
		t.Fatal("leave of unknown connection should report false")
	}
}

func TestJoin_TransfersBetweenRooms(t *testing.T) {
	reg := NewRegistry()
	reg.Join("one", "c1", "Ann", "")
	reg.Join("one", "c2", "Ben", "")

	res, ok := reg.Join("two", "c2", "Ben", "")
	if !ok {
		t.Fatal("transfer join failed")
	}
	if res.Moved == nil {
		t.Fatal("transfer should report the vacated room")
	}
	if res.Moved.RoomID != "ONE" || res.Moved.Left.ID != "c2" {
		t.Fatalf("unexpected departure: %+v", res.Moved)
	}
	if got := ids(reg.Snapshot("ONE")); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("old room should exclude the mover: %v", got)
	}
	if got := ids(reg.Snapshot("TWO")); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("new room should include the mover: %v", got)
	}
	if room, _ := reg.RoomOf("c2"); room != "TWO" {
		t.Fatalf("reverse index stale: %q", room)
	}
}

func TestJoin_TransferDeletesEmptiedRoom(t *testing.T) {
	reg := NewRegistry()
	reg.Join("one", "c1", "Ann", "")
	res, _ := reg.Join("two", "c1", "Ann", "")
	if res.Moved == nil || len(res.Moved.Users) != 0 {
		t.Fatalf("expected empty departure snapshot: %+v", res.Moved)
	}
	if rooms, _, _ := reg.Stats(); rooms != 1 {
		t.Fatalf("emptied room not deleted, %d rooms", rooms)
	}
}

func TestJoin_SameRoomKeepsAudioState(t *testing.T) {
	reg := NewRegistry()
	reg.Join("jam", "c1", "Ann", "guitar")
	reg.SetAudioEnabled("c1", false)

	res, ok := reg.Join("jam", "c1", "Annie", "bass")
	if !ok || res.Moved != nil {
		t.Fatalf("re-join mishandled: ok=%v moved=%+v", ok, res.Moved)
	}
	if len(res.Users) != 1 {
		t.Fatalf("duplicate membership after re-join: %+v", res.Users)
	}
	if res.Users[0].Username != "Annie" || res.Users[0].AudioEnabled {
		t.Fatalf("re-join should refresh metadata and keep audio flag: %+v", res.Users[0])
	}
}

func TestSetAudioEnabled(t *testing.T) {
	reg := NewRegistry()
	reg.Join("jam", "c1", "Ann", "")
	reg.Join("jam", "c2", "Ben", "")

	roomID, users, ok := reg.SetAudioEnabled("c1", false)
	if !ok || roomID != "JAM" {
		t.Fatalf("toggle failed: ok=%v room=%q", ok, roomID)
	}
	for _, u := range users {
		want := u.ID != "c1"
		if u.AudioEnabled != want {
			t.Fatalf("audio flag wrong for %s: %v", u.ID, u.AudioEnabled)
		}
	}

	if _, _, ok := reg.SetAudioEnabled("ghost", true); ok {
		t.Fatal("toggle for roomless connection should be a no-op")
	}
}

func TestSnapshot_InsertionOrderAndCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Join("jam", "a", "A", "")
	reg.Join("jam", "b", "B", "")
	reg.Join("jam", "c", "C", "")

	snap := reg.Snapshot("JAM")
	if got := ids(snap); got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("insertion order lost: %v", got)
	}

	// Mutating the returned slice must not reach the registry.
	snap[0].Username = "hacked"
	if reg.Snapshot("JAM")[0].Username == "hacked" {
		t.Fatal("snapshot is not a copy")
	}
}

func TestMember(t *testing.T) {
	reg := NewRegistry()
	reg.Join("jam", "c1", "Ann", "")

	if !reg.Member("JAM", "c1") {
		t.Fatal("member check failed for joined connection")
	}
	if reg.Member("JAM", "c2") {
		t.Fatal("member check passed for stranger")
	}
	if reg.Member("OTHER", "c1") {
		t.Fatal("member check passed for wrong room")
	}
	if reg.Member("", "c1") {
		t.Fatal("member check passed for empty room id")
	}
}

func TestStats(t *testing.T) {
	reg := NewRegistry()
	reg.Join("one", "c1", "", "")
	reg.Join("one", "c2", "", "")
	reg.Join("two", "c3", "", "")

	rooms, participants, perRoom := reg.Stats()
	if rooms != 2 || participants != 3 {
		t.Fatalf("stats wrong: rooms=%d participants=%d", rooms, participants)
	}
	sizes := make(map[domain.RoomID]int)
	for _, rs := range perRoom {
		sizes[rs.RoomID] = rs.Participants
	}
	if sizes["ONE"] != 2 || sizes["TWO"] != 1 {
		t.Fatalf("per-room stats wrong: %v", sizes)
	}
}
