// Package signalingtest provides an in-memory relay for tests.
package signalingtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/signaling"
)

// Bus behaves like a relay with every subscriber on one connection of its
// own: messages from one sender reach each recipient in send order, call
// messages go to their addressee only, and room membership produces the
// same notifications as the real hub.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]*signaling.Inbox
	held  map[string]bool
	rooms map[string]map[string]bool
	log   []protocol.Message
	down  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string]*signaling.Inbox),
		held:  make(map[string]bool),
		rooms: make(map[string]map[string]bool),
	}
}

// Send validates msg and routes it like the relay would.
func (b *Bus) Send(_ context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return fmt.Errorf("%w: bus is down", protocol.ErrChannelUnavailable)
	}
	b.log = append(b.log, msg)

	switch msg.Type {
	case protocol.TypeJoinRoom:
		room, ok := b.rooms[msg.RoomID]
		if !ok {
			room = make(map[string]bool)
			b.rooms[msg.RoomID] = room
		}
		if room[msg.Identity] {
			b.put(msg.Identity, protocol.Message{Type: protocol.TypeError, Error: "identity already in room", Ref: msg.Type})
			return nil
		}
		peers := make([]string, 0, len(room))
		for identity := range room {
			peers = append(peers, identity)
			b.put(identity, protocol.Message{Type: protocol.TypePeerJoined, RoomID: msg.RoomID, Identity: msg.Identity})
		}
		sort.Strings(peers)
		room[msg.Identity] = true
		b.put(msg.Identity, protocol.Message{Type: protocol.TypeJoinedRoom, RoomID: msg.RoomID, Identity: msg.Identity, Peers: peers})

	case protocol.TypeLeaveRoom:
		room := b.rooms[msg.RoomID]
		if !room[msg.Identity] {
			return nil
		}
		delete(room, msg.Identity)
		for identity := range room {
			b.put(identity, protocol.Message{Type: protocol.TypePeerLeft, RoomID: msg.RoomID, Identity: msg.Identity})
		}

	default:
		if _, ok := b.subs[msg.To]; !ok {
			b.put(msg.From, protocol.Message{Type: protocol.TypeError, Error: "peer not in room", To: msg.To, Ref: msg.Type})
			return nil
		}
		b.put(msg.To, msg)
	}
	return nil
}

// Subscribe delivers messages addressed to identity to fn, in order.
func (b *Bus) Subscribe(identity string, fn func(protocol.Message)) (unsubscribe func()) {
	inbox := signaling.NewInbox(fn)

	b.mu.Lock()
	if old, ok := b.subs[identity]; ok {
		old.Close()
	}
	b.subs[identity] = inbox
	if b.held[identity] {
		inbox.Hold()
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if b.subs[identity] == inbox {
			delete(b.subs, identity)
		}
		b.mu.Unlock()
		inbox.Close()
	}
}

// Hold queues messages for identity without delivering them.
func (b *Bus) Hold(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[identity] = true
	if inbox, ok := b.subs[identity]; ok {
		inbox.Hold()
	}
}

// Release delivers everything held for identity, in order.
func (b *Bus) Release(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, identity)
	if inbox, ok := b.subs[identity]; ok {
		inbox.Release()
	}
}

// SetDown makes every Send fail with protocol.ErrChannelUnavailable.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Messages returns every message accepted so far, in send order.
func (b *Bus) Messages() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.log...)
}

// Count returns how many accepted messages of type t went from from to to.
func (b *Bus) Count(t protocol.Type, from, to string) int {
	n := 0
	for _, msg := range b.Messages() {
		if msg.Type == t && msg.From == from && msg.To == to {
			n++
		}
	}
	return n
}

// Inject delivers msg to its addressee as if the relay had forwarded it,
// without validation.
func (b *Bus) Inject(msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[msg.To]; !ok {
		return errors.New("no subscriber for " + msg.To)
	}
	b.put(msg.To, msg)
	return nil
}

func (b *Bus) put(identity string, msg protocol.Message) {
	if inbox, ok := b.subs[identity]; ok {
		inbox.Put(msg)
	}
}
