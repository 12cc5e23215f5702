package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/medicall/internal/call"
	"github.com/1ureka/medicall/internal/negotiation"
	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/rendezvous"
	"github.com/1ureka/medicall/internal/signaling/signalingtest"
	"github.com/1ureka/medicall/internal/transport"
	"github.com/1ureka/medicall/internal/transport/transporttest"
)

var av = transport.Constraints{Audio: true, Video: true}

func newController(bus *signalingtest.Bus, name string) (*call.Controller, *transporttest.Engine) {
	engine := &transporttest.Engine{Name: name, Candidates: 2, AutoConnect: true}
	return call.New(bus, engine, transporttest.Devices{}, call.Options{Constraints: av, Timeout: 5 * time.Second}), engine
}

func mustJoin(t *testing.T, c *call.Controller, room, identity string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Join(ctx, room, identity); err != nil {
		t.Fatalf("Join(%s) failed: %v", identity, err)
	}
}

func waitClosed(t *testing.T, c *call.Controller, remote string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State(remote) != negotiation.Closed {
		if time.Now().After(deadline) {
			t.Fatalf("call with %s still %s", remote, c.State(remote))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitConnected(t *testing.T, c *call.Controller, remote string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx, remote); err != nil {
		t.Fatalf("WaitConnected(%s) failed: %v", remote, err)
	}
}

func TestJoinCallHangup(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := newController(bus, "a")
	bob, _ := newController(bus, "b")

	var mu sync.Mutex
	var streams []string
	alice.OnRemoteStream(func(remote string, track transport.RemoteTrack) {
		mu.Lock()
		streams = append(streams, remote+"/"+track.StreamID)
		mu.Unlock()
	})

	mustJoin(t, alice, "room1", "alice")
	mustJoin(t, bob, "room1", "bob")

	// Alice learns about bob through peer-joined.
	deadline := time.Now().Add(time.Second)
	for len(alice.Peers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := alice.Call(context.Background(), ""); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	waitConnected(t, alice, "bob")
	waitConnected(t, bob, "alice")

	mu.Lock()
	if len(streams) != 1 || streams[0] != "bob/stream-a-1" {
		t.Errorf("remote streams = %v", streams)
	}
	mu.Unlock()

	if err := bob.Hangup(context.Background(), "alice"); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	waitClosed(t, alice, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := alice.WaitConnected(ctx, "bob")
	if !errors.Is(err, negotiation.ErrPeerHangup) {
		t.Fatalf("expected ErrPeerHangup, got %v", err)
	}
	if err := bob.WaitConnected(ctx, "alice"); !errors.Is(err, call.ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}
}

func TestLeaveEndsCalls(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := newController(bus, "a")
	bob, engine := newController(bus, "b")

	var mu sync.Mutex
	var events []negotiation.Event
	alice.OnStateChange(func(ev negotiation.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	mustJoin(t, alice, "room1", "alice")
	mustJoin(t, bob, "room1", "bob")

	if err := bob.Call(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, alice, "bob")

	if err := bob.Leave(context.Background()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if !engine.Last().Closed() {
		t.Error("bob's link left open")
	}
	waitClosed(t, alice, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := alice.WaitConnected(ctx, "bob"); !errors.Is(err, negotiation.ErrPeerHangup) {
		t.Fatalf("expected ErrPeerHangup, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	if last.Remote != "bob" || last.To != negotiation.Closed {
		t.Errorf("last event = %+v", last)
	}
	if events[0].To != negotiation.AnswerCreating {
		t.Errorf("alice should answer first, got %s", events[0].To)
	}
}

func TestJoinTwice(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := newController(bus, "a")
	mustJoin(t, alice, "room1", "alice")

	if err := alice.Join(context.Background(), "room1", "alice"); !errors.Is(err, rendezvous.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestJoinMediaDenied(t *testing.T) {
	bus := signalingtest.NewBus()
	c := call.New(bus, &transporttest.Engine{}, transporttest.Devices{Err: transport.ErrMediaAccessDenied}, call.Options{Constraints: av})

	err := c.Join(context.Background(), "room1", "alice")
	if !errors.Is(err, transport.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if len(bus.Messages()) != 0 {
		t.Error("join-room sent without local media")
	}
}

func TestCallBeforeJoin(t *testing.T) {
	c, _ := newController(signalingtest.NewBus(), "a")

	if err := c.Call(context.Background(), "bob"); !errors.Is(err, rendezvous.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if c.State("bob") != negotiation.Idle {
		t.Errorf("state = %s", c.State("bob"))
	}
}

func TestCallAloneInRoom(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := newController(bus, "a")
	mustJoin(t, alice, "room1", "alice")

	if err := alice.Call(context.Background(), ""); !errors.Is(err, rendezvous.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestJoinUnacknowledgedLeavesRoom(t *testing.T) {
	bus := signalingtest.NewBus()
	alice, _ := newController(bus, "a")

	// The relay accepts the join but its ack never reaches alice.
	bus.Hold("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := alice.Join(ctx, "room1", "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if n := bus.Count(protocol.TypeLeaveRoom, "", ""); n != 1 {
		t.Fatalf("expected one leave-room after the failed join, got %d", n)
	}

	bus.Release("alice")
	mustJoin(t, alice, "room1", "alice")
}
