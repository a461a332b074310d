package lobby

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func mustAddGuest(t *testing.T, l *Lobby, name string) Participant {
	t.Helper()
	p, err := l.AddGuest(name, base)
	if err != nil {
		t.Fatalf("add guest %s: %v", name, err)
	}
	return p
}

func TestNewLobbyHostInvariant(t *testing.T) {
	l, host := New("Test Lobby", "Alice", base)
	if l.Name != "Test Lobby" {
		t.Fatalf("lobby name: got %q want %q", l.Name, "Test Lobby")
	}
	if l.HostID != host.ParticipantID {
		t.Fatalf("host_id does not match host participant")
	}
	if host.Role != RoleHost {
		t.Fatalf("host role: got %s want %s", host.Role, RoleHost)
	}
	if host.Mode != ModeActive {
		t.Fatalf("host mode: got %s want %s", host.Mode, ModeActive)
	}
	guest := mustAddGuest(t, l, "Bob")
	if guest.Role != RoleGuest {
		t.Fatalf("guest role: got %s want %s", guest.Role, RoleGuest)
	}
	if len(l.Participants) != 2 {
		t.Fatalf("participants: got %d want 2", len(l.Participants))
	}
}

func TestKickGuestAuthority(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")
	other := mustAddGuest(t, l, "Carol")

	if _, err := l.KickGuest(guest.ParticipantID, other.ParticipantID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("kick by non-host: expected ErrNotHost, got %v", err)
	}
	if _, err := l.KickGuest(host.ParticipantID, host.ParticipantID); !errors.Is(err, ErrHostNotKickable) {
		t.Fatalf("kick host: expected ErrHostNotKickable, got %v", err)
	}
	removed, err := l.KickGuest(guest.ParticipantID, host.ParticipantID)
	if err != nil {
		t.Fatalf("kick by host: %v", err)
	}
	if removed.ParticipantID != guest.ParticipantID {
		t.Fatalf("kicked wrong participant")
	}
	if _, ok := l.Participant(guest.ParticipantID); ok {
		t.Fatalf("kicked participant still present")
	}
	if _, err := l.KickGuest(guest.ParticipantID, host.ParticipantID); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("kick absent guest: expected ErrParticipantNotFound, got %v", err)
	}
}

func TestHostCannotLeaveWhileGuestsRemain(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")

	if _, err := l.RemoveGuest(host.ParticipantID); !errors.Is(err, ErrHostCannotLeave) {
		t.Fatalf("host leave with guests: expected ErrHostCannotLeave, got %v", err)
	}
	if _, err := l.RemoveGuest(guest.ParticipantID); err != nil {
		t.Fatalf("guest leave: %v", err)
	}
	if _, err := l.RemoveGuest(host.ParticipantID); err != nil {
		t.Fatalf("host leave alone: %v", err)
	}
	if len(l.Participants) != 0 {
		t.Fatalf("participants after full drain: got %d want 0", len(l.Participants))
	}
}

func TestToggleParticipationMode(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")

	mode, err := l.ToggleParticipationMode(guest.ParticipantID, guest.ParticipantID, false)
	if err != nil {
		t.Fatalf("self toggle: %v", err)
	}
	if mode != ModeSpectating {
		t.Fatalf("self toggle: got %s want %s", mode, ModeSpectating)
	}

	mode, err = l.ToggleParticipationMode(guest.ParticipantID, host.ParticipantID, false)
	if err != nil {
		t.Fatalf("host-forced toggle: %v", err)
	}
	if mode != ModeActive {
		t.Fatalf("host-forced toggle: got %s want %s", mode, ModeActive)
	}

	if _, err := l.ToggleParticipationMode(host.ParticipantID, guest.ParticipantID, false); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest forcing another: expected ErrNotHost, got %v", err)
	}
	if _, err := l.ToggleParticipationMode(guest.ParticipantID, host.ParticipantID, true); !errors.Is(err, ErrActivityInProgress) {
		t.Fatalf("forced toggle mid-activity: expected ErrActivityInProgress, got %v", err)
	}
	// Self-toggle stays permitted mid-activity.
	if _, err := l.ToggleParticipationMode(guest.ParticipantID, guest.ParticipantID, true); err != nil {
		t.Fatalf("self toggle mid-activity: %v", err)
	}
	if _, err := l.ToggleParticipationMode(uuid.New(), host.ParticipantID, false); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("toggle unknown id: expected ErrParticipantNotFound, got %v", err)
	}
}

func TestAutoDelegateHostPicksLowestID(t *testing.T) {
	l, host := New("room", "Alice", base)
	guests := []Participant{
		mustAddGuest(t, l, "Bob"),
		mustAddGuest(t, l, "Carol"),
		mustAddGuest(t, l, "Dave"),
	}
	want := guests[0].ParticipantID
	for _, g := range guests[1:] {
		if bytes.Compare(g.ParticipantID[:], want[:]) < 0 {
			want = g.ParticipantID
		}
	}

	if !l.RemoveParticipant(host.ParticipantID) {
		t.Fatalf("remove host for failover")
	}
	replica := l.Clone()

	successor, err := l.AutoDelegateHost()
	if err != nil {
		t.Fatalf("auto delegate: %v", err)
	}
	if successor.ParticipantID != want {
		t.Fatalf("successor: got %s want lowest id %s", successor.ParticipantID, want)
	}
	if successor.Role != RoleHost {
		t.Fatalf("successor role: got %s want %s", successor.Role, RoleHost)
	}
	if l.HostID != want {
		t.Fatalf("host_id not reassigned")
	}

	// Deterministic: a second replica with the same members picks the same id.
	other, err := replica.AutoDelegateHost()
	if err != nil {
		t.Fatalf("replica auto delegate: %v", err)
	}
	if other.ParticipantID != successor.ParticipantID {
		t.Fatalf("replicas disagree on successor: %s vs %s", other.ParticipantID, successor.ParticipantID)
	}
}

func TestAutoDelegateHostNoGuests(t *testing.T) {
	l, host := New("room", "Alice", base)
	l.RemoveParticipant(host.ParticipantID)
	if _, err := l.AutoDelegateHost(); !errors.Is(err, ErrNoGuests) {
		t.Fatalf("expected ErrNoGuests, got %v", err)
	}
}

func TestDelegateHostDemotesPrevious(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")

	if err := l.DelegateHost(guest.ParticipantID, guest.ParticipantID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("delegate by non-host: expected ErrNotHost, got %v", err)
	}
	if err := l.DelegateHost(host.ParticipantID, guest.ParticipantID); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	prev, _ := l.Participant(host.ParticipantID)
	next, _ := l.Participant(guest.ParticipantID)
	if prev.Role != RoleGuest {
		t.Fatalf("previous host role: got %s want %s", prev.Role, RoleGuest)
	}
	if next.Role != RoleHost || l.HostID != guest.ParticipantID {
		t.Fatalf("new host not promoted")
	}

	changed, err := l.SetHost(guest.ParticipantID)
	if err != nil {
		t.Fatalf("set host repeat: %v", err)
	}
	if changed {
		t.Fatalf("re-applying the same delegation should be a no-op")
	}
}

func TestReplayMutatorsIdempotencyAsymmetry(t *testing.T) {
	l, _ := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")

	// Removal of an absent participant is a no-op, not an error.
	if l.RemoveParticipant(uuid.New()) {
		t.Fatalf("removing unknown id should report false")
	}
	if !l.RemoveParticipant(guest.ParticipantID) {
		t.Fatalf("removing present guest should report true")
	}
	if l.RemoveParticipant(guest.ParticipantID) {
		t.Fatalf("second removal should report false")
	}

	// Mode mutation of an unknown participant is an error.
	if _, err := l.SetParticipationMode(guest.ParticipantID, ModeSpectating); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("mode change on absent id: expected ErrParticipantNotFound, got %v", err)
	}

	if !l.AddParticipant(guest) {
		t.Fatalf("re-adding removed guest should report true")
	}
	if l.AddParticipant(guest) {
		t.Fatalf("duplicate add should report false")
	}
	changed, err := l.SetParticipationMode(guest.ParticipantID, ModeSpectating)
	if err != nil || !changed {
		t.Fatalf("mode change: changed=%v err=%v", changed, err)
	}
	changed, err = l.SetParticipationMode(guest.ParticipantID, ModeSpectating)
	if err != nil || changed {
		t.Fatalf("repeated mode change: changed=%v err=%v", changed, err)
	}
}

func TestActivityLifecycle(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")

	if _, err := l.PlanActivity("freeform", nil, guest.ParticipantID, base); !errors.Is(err, ErrNotHost) {
		t.Fatalf("plan by guest: expected ErrNotHost, got %v", err)
	}
	act, err := l.PlanActivity("freeform", json.RawMessage(`{}`), host.ParticipantID, base)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if act.Status != ActivityStatusPlanned {
		t.Fatalf("planned status: got %s", act.Status)
	}

	started, err := l.StartActivity(act.ActivityID, host.ParticipantID, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != ActivityStatusRunning || started.StartedAt == nil {
		t.Fatalf("start did not mark running")
	}

	second, err := l.PlanActivity("freeform", nil, host.ParticipantID, base)
	if err != nil {
		t.Fatalf("plan second: %v", err)
	}
	if _, err := l.StartActivity(second.ActivityID, host.ParticipantID, base); !errors.Is(err, ErrActivityInProgress) {
		t.Fatalf("start while running: expected ErrActivityInProgress, got %v", err)
	}

	if _, err := l.ToggleParticipationMode(guest.ParticipantID, guest.ParticipantID, false); err != nil {
		t.Fatalf("toggle to spectating: %v", err)
	}
	if _, err := l.SubmitResult(act.ActivityID, guest.ParticipantID, nil, 1, base); !errors.Is(err, ErrSpectatorResult) {
		t.Fatalf("spectator submit: expected ErrSpectatorResult, got %v", err)
	}
	if _, err := l.ToggleParticipationMode(guest.ParticipantID, guest.ParticipantID, false); err != nil {
		t.Fatalf("toggle back: %v", err)
	}

	r, err := l.SubmitResult(act.ActivityID, guest.ParticipantID, json.RawMessage(`{"score":7}`), 7, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Score != 7 {
		t.Fatalf("score: got %v want 7", r.Score)
	}
	if _, err := l.SubmitResult(act.ActivityID, guest.ParticipantID, nil, 7, base); !errors.Is(err, ErrDuplicateResult) {
		t.Fatalf("duplicate submit: expected ErrDuplicateResult, got %v", err)
	}
	if _, err := l.SubmitResult(second.ActivityID, guest.ParticipantID, nil, 1, base); !errors.Is(err, ErrActivityNotRunning) {
		t.Fatalf("submit to planned activity: expected ErrActivityNotRunning, got %v", err)
	}

	done, err := l.CompleteActivity(act.ActivityID, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != ActivityStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("complete did not mark completed")
	}
	if _, err := l.CompleteActivity(act.ActivityID, base); !errors.Is(err, ErrActivityNotRunning) {
		t.Fatalf("double complete: expected ErrActivityNotRunning, got %v", err)
	}
}

func TestCloneIsolation(t *testing.T) {
	l, host := New("room", "Alice", base)
	guest := mustAddGuest(t, l, "Bob")
	act, err := l.PlanActivity("freeform", json.RawMessage(`{"rounds":3}`), host.ParticipantID, base)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	cp := l.Clone()
	if _, err := l.StartActivity(act.ActivityID, host.ParticipantID, base); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := l.ToggleParticipationMode(guest.ParticipantID, guest.ParticipantID, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	if cp.Activities[0].Status != ActivityStatusPlanned {
		t.Fatalf("clone activity mutated with original")
	}
	if cp.Participants[guest.ParticipantID].Mode != ModeActive {
		t.Fatalf("clone participant mutated with original")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	l, host := New("room", "Alice", base)
	mustAddGuest(t, l, "Bob")
	act, err := l.PlanActivity("expression", json.RawMessage(`{"expression":"score"}`), host.ParticipantID, base)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	data, err := l.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.LobbyID != l.LobbyID || restored.HostID != l.HostID {
		t.Fatalf("identity lost in round trip")
	}
	if len(restored.Participants) != 2 {
		t.Fatalf("participants: got %d want 2", len(restored.Participants))
	}
	if len(restored.Activities) != 1 || restored.Activities[0].ActivityID != act.ActivityID {
		t.Fatalf("activities lost in round trip")
	}
	if restored.Results == nil {
		t.Fatalf("results map not normalized")
	}
}

func TestListParticipantsDeterministicOrder(t *testing.T) {
	l, _ := New("room", "Alice", base)
	if _, err := l.AddGuest("Bob", base.Add(time.Minute)); err != nil {
		t.Fatalf("add guest: %v", err)
	}
	if _, err := l.AddGuest("Carol", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("add guest: %v", err)
	}

	first := l.ListParticipants()
	second := l.ListParticipants()
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("listing sizes: got %d and %d want 3", len(first), len(second))
	}
	for i := range first {
		if first[i].ParticipantID != second[i].ParticipantID {
			t.Fatalf("listing order unstable at index %d", i)
		}
	}
	if first[0].Role != RoleHost {
		t.Fatalf("host joined first, expected first in order")
	}
}
