// Package transport owns the media side of a call: local capture, one peer
// connection per call session, and the callbacks the media engine raises
// (local candidates, connection state, remote tracks).
//
// The engine is reached only through the PeerConnection capability
// interface, so the negotiation layer can be driven by a fake in tests and
// by pion/webrtc in production.
package transport

import "github.com/1ureka/medicall/internal/protocol"

// ConnectionState is the media path state reported by the engine.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack describes one inbound media track. Track holds the engine's
// native handle (a *webrtc.TrackRemote for pion) and is nil in fakes.
type RemoteTrack struct {
	StreamID string
	TrackID  string
	Kind     string
	Track    any
}

// PeerConnection is the capability set required from a media engine. Every
// callback is invoked at most once per engine event.
type PeerConnection interface {
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.ICECandidate) error

	// OnICECandidate receives local candidates; nil marks the end of gathering.
	OnICECandidate(func(*protocol.ICECandidate))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnectionState))

	Close() error
}

// Engine creates peer connections with the given local media attached.
type Engine interface {
	NewPeerConnection(local *LocalMedia) (PeerConnection, error)
}
