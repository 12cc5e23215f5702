// Package call wires user actions (join, call, hang up) to the rendezvous
// client, the negotiator and the media links.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/medicall/internal/negotiation"
	"github.com/1ureka/medicall/internal/rendezvous"
	"github.com/1ureka/medicall/internal/transport"
	"github.com/1ureka/medicall/internal/util"
)

// ErrCallEnded is returned by WaitConnected when the call closed without a
// recorded failure, e.g. after a local hangup.
var ErrCallEnded = errors.New("call ended")

// Options tune a Controller.
type Options struct {
	Constraints transport.Constraints
	// Timeout bounds the wait for an answer.
	Timeout time.Duration
}

// Controller is the UI-facing entry point of one local participant.
type Controller struct {
	channel rendezvous.Channel
	media   *transport.Manager
	room    *rendezvous.Client
	opts    Options

	mu         sync.Mutex
	negotiator *negotiation.Negotiator
	observers  []func(negotiation.Event)
	changed    chan struct{}
}

// New creates a controller. engine and devices back the media links;
// channel carries signaling.
func New(channel rendezvous.Channel, engine transport.Engine, devices transport.Devices, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Controller{
		channel: channel,
		media:   transport.NewManager(engine, devices),
		room:    rendezvous.New(channel),
		opts:    opts,
		changed: make(chan struct{}),
	}
}

// Join acquires local media and enters roomID as identity. It returns once
// the relay acknowledged the join.
func (c *Controller) Join(ctx context.Context, roomID, identity string) error {
	c.mu.Lock()
	if c.negotiator != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w as %s", rendezvous.ErrAlreadyJoined, c.negotiator.LocalIdentity())
	}
	c.mu.Unlock()

	if _, err := c.media.CreateLocalMedia(ctx, c.opts.Constraints); err != nil {
		return fmt.Errorf("failed to acquire local media: %w", err)
	}

	n := negotiation.New(identity, c.channel, c.media, c.opts.Timeout)
	n.OnStateChange(c.notify)

	if err := c.room.Join(ctx, roomID, identity, n); err != nil {
		return err
	}
	if err := c.room.WaitJoined(ctx); err != nil {
		if leaveErr := c.room.Leave(context.Background()); leaveErr != nil {
			util.LogDebug("leave after failed join: %v", leaveErr)
		}
		return err
	}

	c.mu.Lock()
	c.negotiator = n
	c.mu.Unlock()
	return nil
}

// Call starts a call with remote. An empty remote calls the only other
// participant of the room.
func (c *Controller) Call(ctx context.Context, remote string) error {
	n, err := c.current()
	if err != nil {
		return err
	}
	if remote == "" {
		if remote, err = c.room.ResolvePeer(); err != nil {
			return err
		}
	}

	util.LogInfo("calling %s", remote)
	return n.InitiateCall(ctx, remote)
}

// Hangup ends the call with remote. An empty remote means the only other
// participant of the room.
func (c *Controller) Hangup(ctx context.Context, remote string) error {
	n, err := c.current()
	if err != nil {
		return err
	}
	if remote == "" {
		if remote, err = c.room.ResolvePeer(); err != nil {
			return err
		}
	}
	return n.Hangup(ctx, remote)
}

// Leave hangs up every call, leaves the room and releases local media.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.negotiator = nil
	c.mu.Unlock()

	err := c.room.Leave(ctx)
	c.media.Close()
	return err
}

// State returns the state of the call with remote.
func (c *Controller) State(remote string) negotiation.State {
	n, err := c.current()
	if err != nil {
		return negotiation.Idle
	}
	return n.State(remote)
}

// Peers returns the other participants of the room.
func (c *Controller) Peers() []string { return c.room.Peers() }

// OnStateChange registers an observer for call transitions. It may be
// called before Join.
func (c *Controller) OnStateChange(fn func(negotiation.Event)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// OnRemoteStream registers the sink for remote media, called once per call.
func (c *Controller) OnRemoteStream(fn transport.StreamSink) {
	c.media.AttachRemoteTrackSink(fn)
}

// WaitConnected blocks until the call with remote is connected, has closed,
// or ctx is done.
func (c *Controller) WaitConnected(ctx context.Context, remote string) error {
	for {
		c.mu.Lock()
		changed := c.changed
		n := c.negotiator
		c.mu.Unlock()

		if n == nil {
			return rendezvous.ErrNotJoined
		}

		if s, ok := n.Session(remote); ok {
			switch s.State {
			case negotiation.Connected:
				return nil
			case negotiation.Closed:
				if s.Err != nil {
					return fmt.Errorf("call with %s closed: %w", remote, s.Err)
				}
				return ErrCallEnded
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) current() (*negotiation.Negotiator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.negotiator == nil {
		return nil, rendezvous.ErrNotJoined
	}
	return c.negotiator, nil
}

func (c *Controller) notify(ev negotiation.Event) {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	observers := append(([]func(negotiation.Event))(nil), c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
