// Package protocol defines the JSON signaling messages exchanged between call
// participants and the rendezvous relay.
package protocol

// Type identifies the kind of signaling message.
type Type string

// Rendezvous messages (client <-> relay).
const (
	TypeJoinRoom   Type = "join-room"
	TypeJoinedRoom Type = "joined-room"
	TypeLeaveRoom  Type = "leave-room"
	TypePeerJoined Type = "peer-joined"
	TypePeerLeft   Type = "peer-left"
	TypeError      Type = "error"
)

// Call messages (client -> client, relayed by identity).
const (
	TypeCallOffer    Type = "call-offer"
	TypeCallAnswer   Type = "call-answer"
	TypeIceCandidate Type = "ice-candidate"
	TypeHangup       Type = "hangup"
)

// Relayed reports whether messages of this type are addressed to another
// participant rather than to the relay itself.
func (t Type) Relayed() bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeIceCandidate, TypeHangup:
		return true
	}
	return false
}

// SDP types carried in SessionDescription.Type.
const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// SessionDescription is an offer or answer, shaped like the browser's
// RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled network candidate, shaped like the browser's
// RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the envelope for every signaling event. Only the fields
// relevant to Type are populated.
type Message struct {
	Type Type `json:"type"`

	// Rendezvous fields.
	RoomID   string   `json:"roomId,omitempty"`
	Identity string   `json:"identity,omitempty"`
	Peers    []string `json:"peers,omitempty"`

	// Call fields.
	From      string              `json:"from,omitempty"`
	To        string              `json:"to,omitempty"`
	CallID    string              `json:"callId,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`

	// Error fields. Ref names the message type that caused the error.
	Error string `json:"error,omitempty"`
	Ref   Type   `json:"ref,omitempty"`
}
