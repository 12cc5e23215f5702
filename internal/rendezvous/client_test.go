package rendezvous_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/rendezvous"
	"github.com/1ureka/medicall/internal/signaling/signalingtest"
)

// handler records what the client forwards.
type handler struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed int
}

func (h *handler) HandleMessage(_ context.Context, msg protocol.Message) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	return nil
}

func (h *handler) CloseAll(context.Context) {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func (h *handler) messages() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.msgs...)
}

func join(t *testing.T, bus *signalingtest.Bus, room, identity string) (*rendezvous.Client, *handler) {
	t.Helper()
	c := rendezvous.New(bus)
	h := &handler{}
	if err := c.Join(context.Background(), room, identity, h); err != nil {
		t.Fatalf("Join(%s) failed: %v", identity, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitJoined(ctx); err != nil {
		t.Fatalf("WaitJoined(%s) failed: %v", identity, err)
	}
	return c, h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinTwiceFails(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := join(t, bus, "room1", "alice")

	err := alice.Join(context.Background(), "room1", "alice", &handler{})
	if !errors.Is(err, rendezvous.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestJoinAfterLeave(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, h := join(t, bus, "room1", "alice")

	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if h.closed != 1 {
		t.Errorf("sessions closed %d times, want 1", h.closed)
	}
	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave should be a no-op, got %v", err)
	}
	if h.closed != 1 {
		t.Errorf("second Leave closed sessions again")
	}

	if err := alice.Join(context.Background(), "room1", "alice", &handler{}); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
}

func TestRosterTracksPeers(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := join(t, bus, "room1", "alice")

	if _, err := alice.ResolvePeer(); !errors.Is(err, rendezvous.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}

	bob, _ := join(t, bus, "room1", "bob")
	waitFor(t, "alice sees bob", func() bool { return len(alice.Peers()) == 1 })

	if peer, err := alice.ResolvePeer(); err != nil || peer != "bob" {
		t.Fatalf("ResolvePeer = %q, %v", peer, err)
	}
	if peer, err := bob.ResolvePeer(); err != nil || peer != "alice" {
		t.Fatalf("bob should learn alice from the ack, got %q, %v", peer, err)
	}

	join(t, bus, "room1", "carol")
	waitFor(t, "alice sees carol", func() bool { return len(alice.Peers()) == 2 })
	if _, err := alice.ResolvePeer(); !errors.Is(err, rendezvous.ErrAmbiguousPeer) {
		t.Fatalf("expected ErrAmbiguousPeer, got %v", err)
	}

	// Other rooms are invisible.
	join(t, bus, "room2", "dave")
	time.Sleep(20 * time.Millisecond)
	if got := alice.Peers(); len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Errorf("Peers = %v", got)
	}
}

func TestPeerLeftBecomesHangup(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, h := join(t, bus, "room1", "alice")
	bob, _ := join(t, bus, "room1", "bob")

	if err := bob.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "hangup from bob", func() bool { return len(h.messages()) == 1 })
	msg := h.messages()[0]
	if msg.Type != protocol.TypeHangup || msg.From != "bob" || msg.To != "alice" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(alice.Peers()) != 0 {
		t.Errorf("bob still on the roster: %v", alice.Peers())
	}
}

func TestCallMessagesReachHandler(t *testing.T) {
	bus := signalingtest.NewBus()
	_, h := join(t, bus, "room1", "alice")
	join(t, bus, "room1", "bob")

	offer := protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "v=0"}
	if err := bus.Send(context.Background(), protocol.Message{Type: protocol.TypeCallOffer, From: "bob", To: "alice", Offer: &offer}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "offer", func() bool { return len(h.messages()) == 1 })
	if got := h.messages()[0]; got.Type != protocol.TypeCallOffer || got.Offer.SDP != "v=0" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestDuplicateIdentityRejected(t *testing.T) {
	bus := signalingtest.NewBus()
	join(t, bus, "room1", "alice")

	// A second endpoint claiming the same identity replaces the first
	// subscription on the bus, as a reconnecting browser tab would.
	impostor := rendezvous.New(bus)
	if err := impostor.Join(context.Background(), "room1", "alice", &handler{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := impostor.WaitJoined(ctx); !errors.Is(err, rendezvous.ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}
	if impostor.Identity() != "" {
		t.Error("rejected join left the client joined")
	}
}

func TestJoinChannelDown(t *testing.T) {
	bus := signalingtest.NewBus()
	bus.SetDown(true)

	c := rendezvous.New(bus)
	err := c.Join(context.Background(), "room1", "alice", &handler{})
	if !errors.Is(err, protocol.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if c.Identity() != "" {
		t.Error("failed join left the client joined")
	}

	bus.SetDown(false)
	if err := c.Join(context.Background(), "room1", "alice", &handler{}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestResolveBeforeJoin(t *testing.T) {
	c := rendezvous.New(signalingtest.NewBus())
	if _, err := c.ResolvePeer(); !errors.Is(err, rendezvous.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if err := c.WaitJoined(context.Background()); !errors.Is(err, rendezvous.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}
