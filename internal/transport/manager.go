package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

var (
	// ErrNoLocalMedia is returned by Open before CreateLocalMedia succeeded.
	// Tracks are attached when the peer connection is created, so capture
	// must come first.
	ErrNoLocalMedia = errors.New("local media not acquired")

	// ErrLinkClosed is returned by every Link method after Close.
	ErrLinkClosed = errors.New("link closed")

	// ErrNegotiationInProgress is returned when a description is requested
	// while another request on the same link is still outstanding.
	ErrNegotiationInProgress = errors.New("description request already in progress")
)

// Hooks receives the engine events of one link. Callbacks run on engine
// goroutines and must not block.
type Hooks struct {
	OnCandidate   func(protocol.ICECandidate)
	OnStateChange func(ConnectionState)
}

// StreamSink is notified once per remote stream, with the stream's first
// track.
type StreamSink func(remote string, track RemoteTrack)

// Manager owns the local capture and creates one Link per call session.
type Manager struct {
	engine  Engine
	devices Devices

	mu    sync.Mutex
	local *LocalMedia
	sink  StreamSink
}

// NewManager creates a Manager backed by the given engine and capture
// provider.
func NewManager(engine Engine, devices Devices) *Manager {
	return &Manager{engine: engine, devices: devices}
}

// CreateLocalMedia acquires local capture. A second call returns the media
// acquired by the first.
func (m *Manager) CreateLocalMedia(ctx context.Context, c Constraints) (*LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local != nil {
		return m.local, nil
	}

	local, err := m.devices.GetUserMedia(ctx, c)
	if err != nil {
		return nil, err
	}
	m.local = local
	util.LogDebug("local media acquired: %d track(s)", len(local.Tracks))
	return local, nil
}

// AttachRemoteTrackSink registers the callback for remote streams. It
// replaces any previous sink.
func (m *Manager) AttachRemoteTrackSink(fn StreamSink) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

// Close releases the local capture. Open links are owned by their sessions
// and are not touched.
func (m *Manager) Close() {
	m.mu.Lock()
	local := m.local
	m.local = nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
}

// Open creates a peer connection for a call with remote and wires its
// callbacks to hooks.
func (m *Manager) Open(remote string, hooks Hooks) (*Link, error) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()

	if local == nil {
		return nil, ErrNoLocalMedia
	}

	pc, err := m.engine.NewPeerConnection(local)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &Link{
		remote: remote,
		pc:     pc,
		busy:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *protocol.ICECandidate) {
		if c == nil {
			util.LogDebug("[%s] ICE gathering complete", remote)
			return
		}
		if l.Closed() || hooks.OnCandidate == nil {
			return
		}
		hooks.OnCandidate(*c)
	})

	pc.OnConnectionStateChange(func(state ConnectionState) {
		util.LogDebug("[%s] PeerConnection state: %s", remote, state)
		if l.Closed() || hooks.OnStateChange == nil {
			return
		}
		hooks.OnStateChange(state)
	})

	pc.OnTrack(func(track RemoteTrack) {
		if !l.acceptTrack(track) {
			return
		}
		m.mu.Lock()
		sink := m.sink
		m.mu.Unlock()
		if sink != nil {
			sink(remote, track)
		}
	})

	return l, nil
}

// ---------------------------------------------------------------------------
// Link
// ---------------------------------------------------------------------------

// Link is the exclusive peer connection of one call session.
type Link struct {
	remote string
	pc     PeerConnection

	busy chan struct{} // one outstanding description request

	mu       sync.Mutex
	closed   bool
	streamID string
	done     chan struct{}
}

// Remote returns the identity this link is connected to.
func (l *Link) Remote() string { return l.remote }

// CreateOffer creates an offer and applies it as the local description.
// It blocks until the engine produced it, ctx is done, or the link closes.
func (l *Link) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	return l.describe(ctx, l.pc.CreateOffer)
}

// CreateAnswer creates an answer and applies it as the local description.
// The remote offer must already be applied.
func (l *Link) CreateAnswer(ctx context.Context) (protocol.SessionDescription, error) {
	return l.describe(ctx, l.pc.CreateAnswer)
}

func (l *Link) describe(ctx context.Context, create func() (protocol.SessionDescription, error)) (protocol.SessionDescription, error) {
	if l.Closed() {
		return protocol.SessionDescription{}, ErrLinkClosed
	}

	select {
	case l.busy <- struct{}{}:
	default:
		return protocol.SessionDescription{}, ErrNegotiationInProgress
	}

	type result struct {
		sd  protocol.SessionDescription
		err error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() { <-l.busy }()

		sd, err := create()
		if err == nil {
			err = l.pc.SetLocalDescription(sd)
		}
		resCh <- result{sd, err}
	}()

	select {
	case res := <-resCh:
		if l.Closed() {
			return protocol.SessionDescription{}, ErrLinkClosed
		}
		return res.sd, res.err
	case <-l.done:
		return protocol.SessionDescription{}, ErrLinkClosed
	case <-ctx.Done():
		return protocol.SessionDescription{}, ctx.Err()
	}
}

// SetRemoteDescription applies the peer's offer or answer.
func (l *Link) SetRemoteDescription(sd protocol.SessionDescription) error {
	if l.Closed() {
		return ErrLinkClosed
	}
	return l.pc.SetRemoteDescription(sd)
}

// AddICECandidate applies a remote candidate. The remote description must
// already be applied.
func (l *Link) AddICECandidate(c protocol.ICECandidate) error {
	if l.Closed() {
		return ErrLinkClosed
	}
	return l.pc.AddICECandidate(c)
}

// Close tears down the peer connection. Safe to call multiple times.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	return l.pc.Close()
}

// Closed reports whether Close has been called.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// acceptTrack admits tracks of the first remote stream only and reports
// whether the track opened that stream.
func (l *Link) acceptTrack(track RemoteTrack) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	switch l.streamID {
	case "":
		l.streamID = track.StreamID
		return true
	case track.StreamID:
		util.LogDebug("[%s] additional %s track on stream %s", l.remote, track.Kind, track.StreamID)
	default:
		util.LogWarning("[%s] ignoring second remote stream %s", l.remote, track.StreamID)
	}
	return false
}
