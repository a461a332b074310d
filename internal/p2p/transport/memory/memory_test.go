package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/p2p/transport"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub("lobby-1", zerolog.Nop())
	t.Cleanup(h.Close)
	return h
}

func attach(t *testing.T, h *Hub, id transport.PeerID) *Conn {
	t.Helper()
	c, err := h.Attach(id)
	if err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return c
}

func onlyEvent(t *testing.T, c *Conn) transport.ConnectionEvent {
	t.Helper()
	evs := c.PollEvents()
	if len(evs) != 1 {
		t.Fatalf("PollEvents returned %d events, want 1: %+v", len(evs), evs)
	}
	return evs[0]
}

func TestAttachAnnouncesBothSides(t *testing.T) {
	h := newTestHub(t)
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")

	if ev := onlyEvent(t, alice); ev.Kind != transport.PeerConnected || ev.Peer != "bob" {
		t.Fatalf("alice saw %+v, want PeerConnected bob", ev)
	}
	if ev := onlyEvent(t, bob); ev.Kind != transport.PeerConnected || ev.Peer != "alice" {
		t.Fatalf("bob saw %+v, want PeerConnected alice", ev)
	}

	if _, err := h.Attach("alice"); !errors.Is(err, ErrPeerAttached) {
		t.Fatalf("duplicate attach: err=%v, want ErrPeerAttached", err)
	}
}

func TestSendToDeliversToTargetOnly(t *testing.T) {
	h := newTestHub(t)
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	carol := attach(t, h, "carol")
	alice.PollEvents()
	bob.PollEvents()
	carol.PollEvents()

	if err := bob.SendTo("alice", []byte("hi")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	ev := onlyEvent(t, alice)
	if ev.Kind != transport.MessageReceived || ev.Peer != "bob" || string(ev.Data) != "hi" {
		t.Fatalf("alice saw %+v, want message from bob", ev)
	}
	if evs := carol.PollEvents(); len(evs) != 0 {
		t.Fatalf("carol saw %d events, want 0", len(evs))
	}

	if err := bob.SendTo("nobody", []byte("x")); !errors.Is(err, transport.ErrPeerNotFound) {
		t.Fatalf("send to unknown peer: err=%v, want ErrPeerNotFound", err)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := newTestHub(t)
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	carol := attach(t, h, "carol")
	alice.PollEvents()
	bob.PollEvents()
	carol.PollEvents()

	if err := alice.Broadcast([]byte("all")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for name, c := range map[string]*Conn{"bob": bob, "carol": carol} {
		ev := onlyEvent(t, c)
		if ev.Kind != transport.MessageReceived || ev.Peer != "alice" || string(ev.Data) != "all" {
			t.Fatalf("%s saw %+v, want broadcast from alice", name, ev)
		}
	}
	if evs := alice.PollEvents(); len(evs) != 0 {
		t.Fatalf("sender saw its own broadcast: %+v", evs)
	}
}

func TestDropNotifiesSurvivors(t *testing.T) {
	h := newTestHub(t)
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	alice.PollEvents()
	bob.PollEvents()

	h.Drop("bob")
	if ev := onlyEvent(t, alice); ev.Kind != transport.PeerDisconnected || ev.Peer != "bob" {
		t.Fatalf("alice saw %+v, want PeerDisconnected bob", ev)
	}
	if err := bob.SendTo("alice", []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after drop: err=%v, want ErrClosed", err)
	}

	// The same identity can come back, as a reconnecting peer would.
	bob2 := attach(t, h, "bob")
	if ev := onlyEvent(t, alice); ev.Kind != transport.PeerConnected || ev.Peer != "bob" {
		t.Fatalf("alice saw %+v, want PeerConnected bob", ev)
	}
	if err := bob2.SendTo("alice", []byte("back")); err != nil {
		t.Fatalf("send after reattach: %v", err)
	}
}

func TestConnectedPeersSorted(t *testing.T) {
	h := newTestHub(t)
	alice := attach(t, h, "alice")
	attach(t, h, "carol")
	attach(t, h, "bob")

	peers := alice.ConnectedPeers()
	if len(peers) != 2 || peers[0] != "bob" || peers[1] != "carol" {
		t.Fatalf("ConnectedPeers = %v, want [bob carol]", peers)
	}
}

func TestConnectChecksSessionAddress(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	if _, err := h.Connect(ctx, "other-lobby", transport.ICEConfig{}); !errors.Is(err, transport.ErrUnknownSession) {
		t.Fatalf("dial wrong session: err=%v, want ErrUnknownSession", err)
	}
	conn, err := h.Connect(ctx, "lobby-1", transport.ICEConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.LocalPeerID() == "" {
		t.Fatal("Connect assigned no peer id")
	}
}

func TestHubCloseStopsEverything(t *testing.T) {
	h := NewHub("lobby-1", zerolog.Nop())
	alice := attach(t, h, "alice")
	h.Close()

	if err := alice.SendTo("bob", []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after hub close: err=%v, want ErrClosed", err)
	}
	if _, err := h.Attach("bob"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("attach after hub close: err=%v, want ErrClosed", err)
	}
}
