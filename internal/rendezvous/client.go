// Package rendezvous registers a local identity in a room and routes the
// room's traffic to the call negotiator.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

var (
	// ErrAlreadyJoined is returned by Join while a previous Join is active.
	ErrAlreadyJoined = errors.New("already joined")

	// ErrNotJoined is returned by roster queries before Join.
	ErrNotJoined = errors.New("not joined")

	// ErrJoinRejected reports that the relay refused the join, typically
	// because the identity is already present in the room.
	ErrJoinRejected = errors.New("join rejected")

	// ErrNoPeer is returned by ResolvePeer when nobody else is in the room.
	ErrNoPeer = errors.New("no peer in room")

	// ErrAmbiguousPeer is returned by ResolvePeer when more than one other
	// participant is present.
	ErrAmbiguousPeer = errors.New("more than one peer in room")
)

// Channel is the signaling transport shared by every local participant.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	Subscribe(identity string, fn func(protocol.Message)) (unsubscribe func())
}

// Handler consumes call messages for the joined identity.
type Handler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) error
	CloseAll(ctx context.Context)
}

// Client is one participant's presence in a room.
type Client struct {
	channel Channel

	mu          sync.Mutex
	roomID      string
	identity    string
	handler     Handler
	unsubscribe func()
	peers       map[string]struct{}
	joined      chan struct{}
	acked       bool
	err         error
}

// New creates a client that talks over channel.
func New(channel Channel) *Client {
	return &Client{channel: channel}
}

// Join registers identity in roomID and delivers the identity's call
// messages to h. The acknowledgement arrives asynchronously; see Joined.
func (c *Client) Join(ctx context.Context, roomID, identity string, h Handler) error {
	c.mu.Lock()
	if c.identity != "" {
		c.mu.Unlock()
		return fmt.Errorf("%w as %s in %s", ErrAlreadyJoined, c.identity, c.roomID)
	}
	joined := make(chan struct{})
	c.roomID = roomID
	c.identity = identity
	c.handler = h
	c.peers = make(map[string]struct{})
	c.joined = joined
	c.acked = false
	c.err = nil
	c.mu.Unlock()

	// Subscribe first so the ack cannot be missed.
	unsubscribe := c.channel.Subscribe(identity, func(msg protocol.Message) { c.dispatch(joined, msg) })

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	err := c.channel.Send(ctx, protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID, Identity: identity})
	if err != nil {
		c.mu.Lock()
		if c.joined == joined {
			c.reset()
		}
		c.mu.Unlock()
		unsubscribe()
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}

	util.LogDebug("join-room %s as %s sent", roomID, identity)
	return nil
}

// Leave hangs up every call, leaves the room and stops delivery. It is a
// no-op when not joined.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.identity == "" {
		c.mu.Unlock()
		return nil
	}
	roomID, identity, h, unsubscribe := c.roomID, c.identity, c.handler, c.unsubscribe
	c.mu.Unlock()

	// Hangups must go out while the relay still knows us.
	h.CloseAll(ctx)

	err := c.channel.Send(ctx, protocol.Message{Type: protocol.TypeLeaveRoom, RoomID: roomID, Identity: identity})

	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if err != nil {
		return fmt.Errorf("failed to leave %s: %w", roomID, err)
	}
	util.LogInfo("left room %s", roomID)
	return nil
}

// reset clears the current membership. Callers hold c.mu.
func (c *Client) reset() {
	c.roomID = ""
	c.identity = ""
	c.handler = nil
	c.unsubscribe = nil
	c.peers = nil
}

// Joined is closed when the relay acknowledged or rejected the current
// join. It returns nil before the first Join.
func (c *Client) Joined() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Err reports why the current join was rejected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitJoined blocks until the join is acknowledged or rejected, or ctx is
// done.
func (c *Client) WaitJoined(ctx context.Context) error {
	joined := c.Joined()
	if joined == nil {
		return ErrNotJoined
	}
	select {
	case <-joined:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomID returns the joined room, empty when not joined.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Identity returns the joined identity, empty when not joined.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Peers returns the other participants of the room, sorted.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]string, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// ResolvePeer returns the only other participant of the room.
func (c *Client) ResolvePeer() (string, error) {
	if c.Identity() == "" {
		return "", ErrNotJoined
	}

	peers := c.Peers()
	switch len(peers) {
	case 0:
		return "", ErrNoPeer
	case 1:
		return peers[0], nil
	default:
		return "", fmt.Errorf("%w: %v", ErrAmbiguousPeer, peers)
	}
}

// dispatch handles one inbound message of the membership identified by
// joined. Messages left over from a previous membership are dropped.
func (c *Client) dispatch(joined chan struct{}, msg protocol.Message) {
	c.mu.Lock()
	if c.joined != joined || c.identity == "" {
		c.mu.Unlock()
		return
	}
	roomID, identity, h := c.roomID, c.identity, c.handler

	if !msg.Type.Relayed() && msg.RoomID != "" && msg.RoomID != roomID {
		c.mu.Unlock()
		return
	}

	switch msg.Type {
	case protocol.TypeJoinedRoom:
		if msg.Identity != "" && msg.Identity != identity {
			c.mu.Unlock()
			return
		}
		for _, p := range msg.Peers {
			if p != identity {
				c.peers[p] = struct{}{}
			}
		}
		c.ack(nil)
		c.mu.Unlock()
		util.LogSuccess("joined room %s as %s (%d other)", roomID, identity, len(msg.Peers))

	case protocol.TypePeerJoined:
		if msg.Identity != identity {
			c.peers[msg.Identity] = struct{}{}
		}
		c.mu.Unlock()
		util.LogInfo("%s joined %s", msg.Identity, roomID)

	case protocol.TypePeerLeft:
		delete(c.peers, msg.Identity)
		c.mu.Unlock()
		util.LogInfo("%s left %s", msg.Identity, roomID)

		// A peer that left cannot send its own hangup any more.
		hangup := protocol.Message{Type: protocol.TypeHangup, From: msg.Identity, To: identity}
		if err := h.HandleMessage(context.Background(), hangup); err != nil {
			util.LogDebug("peer-left hangup: %v", err)
		}

	case protocol.TypeError:
		if msg.Ref == protocol.TypeJoinRoom && !c.acked {
			c.ack(fmt.Errorf("%w: %s", ErrJoinRejected, msg.Error))
			unsubscribe := c.unsubscribe
			c.reset()
			c.mu.Unlock()
			if unsubscribe != nil {
				unsubscribe()
			}
			util.LogError("cannot join %s as %s: %s", roomID, identity, msg.Error)
			return
		}
		c.mu.Unlock()
		if msg.To != "" {
			util.LogWarning("relay: %s (%s to %s)", msg.Error, msg.Ref, msg.To)
		} else {
			util.LogWarning("relay: %s", msg.Error)
		}

	default:
		c.mu.Unlock()
		if err := h.HandleMessage(context.Background(), msg); err != nil {
			util.LogWarning("[%s] %s: %v", msg.From, msg.Type, err)
		}
	}
}

// ack settles the current join. Callers hold c.mu.
func (c *Client) ack(err error) {
	if c.acked {
		return
	}
	c.acked = true
	c.err = err
	close(c.joined)
}
