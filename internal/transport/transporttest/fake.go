// Package transporttest provides an in-process media engine for tests.
//
// Fake peers behave like a browser peer connection as far as negotiation is
// concerned: descriptions must be applied in a legal order, remote
// candidates are rejected until a remote description exists, local
// candidates trickle asynchronously after SetLocalDescription, and the
// connection reports Connected (preceded by one remote track) once both
// descriptions and at least one remote candidate are in place.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/transport"
)

// Compile-time interface checks.
var (
	_ transport.Engine         = (*Engine)(nil)
	_ transport.PeerConnection = (*Peer)(nil)
	_ transport.Devices        = Devices{}
)

// ErrNoRemoteDescription mirrors the engine error raised when a candidate
// is added too early.
var ErrNoRemoteDescription = errors.New("remote description not set")

// Engine creates fake peers. Configure it before the first peer is created.
type Engine struct {
	// Name prefixes generated SDP and candidate strings.
	Name string
	// Candidates is the number of local candidates each peer trickles.
	Candidates int
	// AutoConnect makes peers report Connected once they are ready.
	AutoConnect bool

	mu    sync.Mutex
	peers []*Peer
	gate  chan struct{}
	err   error
}

// Block makes CreateOffer/CreateAnswer wait until Release is called.
func (e *Engine) Block() {
	e.mu.Lock()
	e.gate = make(chan struct{})
	e.mu.Unlock()
}

// Release unblocks pending and future description requests.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	e.mu.Unlock()
}

// FailNext makes the next NewPeerConnection fail with err.
func (e *Engine) FailNext(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Peers returns every peer created so far, oldest first.
func (e *Engine) Peers() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Peer(nil), e.peers...)
}

// Last returns the most recently created peer, or nil.
func (e *Engine) Last() *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

func (e *Engine) NewPeerConnection(local *transport.LocalMedia) (transport.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.err; err != nil {
		e.err = nil
		return nil, err
	}

	p := &Peer{engine: e, id: len(e.peers) + 1}
	if local != nil {
		p.tracks = len(local.Tracks)
	}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *Engine) wait() {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// Peer is a fake peer connection.
type Peer struct {
	engine *Engine
	id     int
	tracks int

	mu        sync.Mutex
	local     *protocol.SessionDescription
	remote    *protocol.SessionDescription
	applied   []protocol.ICECandidate
	rejected  int
	closed    bool
	connected bool

	onCandidate func(*protocol.ICECandidate)
	onTrack     func(transport.RemoteTrack)
	onState     func(transport.ConnectionState)
}

// ID is the 1-based creation index of the peer.
func (p *Peer) ID() int { return p.id }

// Tracks is the number of local tracks attached at creation.
func (p *Peer) Tracks() int { return p.tracks }

func (p *Peer) label() string {
	return fmt.Sprintf("%s-%d", p.engine.Name, p.id)
}

func (p *Peer) CreateOffer() (protocol.SessionDescription, error) {
	p.engine.wait()
	if p.isClosed() {
		return protocol.SessionDescription{}, transport.ErrLinkClosed
	}
	return protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "v=0 offer " + p.label()}, nil
}

func (p *Peer) CreateAnswer() (protocol.SessionDescription, error) {
	p.engine.wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return protocol.SessionDescription{}, transport.ErrLinkClosed
	}
	if p.remote == nil || p.remote.Type != protocol.SDPOffer {
		return protocol.SessionDescription{}, errors.New("createAnswer without remote offer")
	}
	return protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: "v=0 answer " + p.label()}, nil
}

func (p *Peer) SetLocalDescription(sd protocol.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrLinkClosed
	}
	p.local = &sd
	fn := p.onCandidate
	n := p.engine.Candidates
	label := p.label()
	p.mu.Unlock()

	if fn != nil {
		go func() {
			for i := 1; i <= n; i++ {
				if p.isClosed() {
					return
				}
				mid := "0"
				fn(&protocol.ICECandidate{
					Candidate: fmt.Sprintf("candidate:%s-%d 1 udp 2130706431 127.0.0.1 %d typ host", label, i, 50000+i),
					SDPMid:    &mid,
				})
			}
			fn(nil)
		}()
	}

	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(sd protocol.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrLinkClosed
	}
	p.remote = &sd
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *Peer) AddICECandidate(c protocol.ICECandidate) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrLinkClosed
	}
	if p.remote == nil {
		p.rejected++
		p.mu.Unlock()
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *Peer) OnICECandidate(fn func(*protocol.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(transport.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitState delivers a connection state change as the engine would.
func (p *Peer) EmitState(state transport.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitTrack delivers a remote track as the engine would.
func (p *Peer) EmitTrack(track transport.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// EmitCandidate delivers a local candidate as the engine would.
func (p *Peer) EmitCandidate(c protocol.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(&c)
	}
}

// Local returns the applied local description, or nil.
func (p *Peer) Local() *protocol.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote returns the applied remote description, or nil.
func (p *Peer) Remote() *protocol.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Applied returns the remote candidates applied so far, in order.
func (p *Peer) Applied() []protocol.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ICECandidate(nil), p.applied...)
}

// Rejected counts candidates added before a remote description existed.
func (p *Peer) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool { return p.isClosed() }

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// maybeConnect fires a remote track and Connected once, asynchronously, when
// AutoConnect is set and the peer is ready.
func (p *Peer) maybeConnect() {
	if !p.engine.AutoConnect {
		return
	}

	p.mu.Lock()
	ready := !p.closed && !p.connected && p.local != nil && p.remote != nil &&
		(len(p.applied) > 0 || p.engine.Candidates == 0)
	if ready {
		p.connected = true
	}
	label := p.label()
	p.mu.Unlock()

	if !ready {
		return
	}

	go func() {
		p.EmitState(transport.StateConnecting)
		p.EmitTrack(transport.RemoteTrack{StreamID: "stream-" + label, TrackID: "video-" + label, Kind: "video"})
		p.EmitState(transport.StateConnected)
	}()
}

// Devices is a fake capture provider. A non-nil Err is returned by every
// GetUserMedia call.
type Devices struct {
	Err error
}

func (d Devices) GetUserMedia(_ context.Context, c transport.Constraints) (*transport.LocalMedia, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if !c.Audio && !c.Video {
		return nil, transport.ErrMediaUnavailable
	}
	return &transport.LocalMedia{StreamID: "fake"}, nil
}
