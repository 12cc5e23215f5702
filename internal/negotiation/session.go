package negotiation

import (
	"time"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/transport"
)

// State is the negotiation state of a call session.
type State int

const (
	Idle State = iota
	OfferCreating
	OfferSent
	AnswerCreating
	AnswerSent
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferCreating:
		return "offer-creating"
	case OfferSent:
		return "offer-sent"
	case AnswerCreating:
		return "answer-creating"
	case AnswerSent:
		return "answer-sent"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Role is the side a session plays in the offer/answer exchange.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Session is a read-only snapshot of a call session.
type Session struct {
	ID                string
	LocalIdentity     string
	RemoteIdentity    string
	Role              Role
	State             State
	LocalDescription  *protocol.SessionDescription
	RemoteDescription *protocol.SessionDescription
	PendingLocal      int
	PendingRemote     int
	// Err is why the session closed; nil for a local hangup.
	Err error
}

// Event reports a state transition of the session with Remote.
type Event struct {
	Remote string
	CallID string
	From   State
	To     State
	Err    error
}

// session is the mutable call state. Every field is guarded by
// Negotiator.mu; the buffers additionally lock themselves.
type session struct {
	id     string
	local  string
	remote string
	role   Role
	state  State
	err    error

	localDesc  *protocol.SessionDescription
	remoteDesc *protocol.SessionDescription

	link  *transport.Link
	timer *time.Timer

	pendingLocal  CandidateBuffer
	pendingRemote CandidateBuffer

	remoteApplied bool // remote description applied to the link
	described     bool // own offer/answer is on the wire
	mediaUp       bool // engine reported Connected
}

// live reports whether the session blocks a new call with the same peer.
func (s *session) live() bool {
	return s.state != Idle && s.state != Closed
}

// matches reports whether a message carrying callID belongs to s. Messages
// without a call id (browser clients) always match.
func (s *session) matches(callID string) bool {
	return callID == "" || callID == s.id
}

func (s *session) snapshot() Session {
	return Session{
		ID:                s.id,
		LocalIdentity:     s.local,
		RemoteIdentity:    s.remote,
		Role:              s.role,
		State:             s.state,
		LocalDescription:  s.localDesc,
		RemoteDescription: s.remoteDesc,
		PendingLocal:      s.pendingLocal.Len(),
		PendingRemote:     s.pendingRemote.Len(),
		Err:               s.err,
	}
}
