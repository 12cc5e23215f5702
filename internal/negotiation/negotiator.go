// Package negotiation runs the per-call offer/answer/ICE state machine.
//
// A Negotiator owns every call session of one local identity, keyed by the
// remote identity. All transitions happen under one mutex and are guarded by
// the current state, because inbound messages from different senders are
// unordered relative to each other. The mutex is released across every
// await point (description creation and application, channel sends); the
// session is re-validated afterwards and results for a session that was
// closed or replaced in the meantime are dropped silently.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/transport"
	"github.com/1ureka/medicall/internal/util"
)

var (
	// ErrAlreadyInCall is returned when a live session with the peer exists.
	ErrAlreadyInCall = errors.New("already in call")

	// ErrInvalidStateTransition marks a message that does not fit the
	// session state (duplicate or late delivery). It is logged and absorbed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNegotiationTimeout closes a session whose offer was not answered in
	// time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrNegotiationFailed closes a session whose engine rejected a step or
	// whose media path failed.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrPeerHangup closes a session the remote side hung up.
	ErrPeerHangup = errors.New("remote hung up")

	// ErrOfferSuperseded closes the local offer discarded by the glare rule.
	ErrOfferSuperseded = errors.New("offer superseded by remote offer")
)

// callbackSendTimeout bounds sends triggered by engine callbacks and timers,
// which have no caller context.
const callbackSendTimeout = 10 * time.Second

// Sender transmits signaling messages.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Connector opens the media link of a new session.
type Connector interface {
	Open(remote string, hooks transport.Hooks) (*transport.Link, error)
}

// Negotiator is the call state machine of one local identity.
type Negotiator struct {
	local   string
	sender  Sender
	peers   Connector
	timeout time.Duration

	sendMu sync.Mutex // keeps this sender's messages FIFO

	mu        sync.Mutex
	sessions  map[string]*session
	early     map[earlyKey]*CandidateBuffer
	events    []Event
	observers []func(Event)
}

// earlyKey identifies candidates that arrived before any session existed.
type earlyKey struct {
	from   string
	callID string
}

// New creates a Negotiator for local. timeout bounds the wait for an answer.
func New(local string, sender Sender, peers Connector, timeout time.Duration) *Negotiator {
	return &Negotiator{
		local:    local,
		sender:   sender,
		peers:    peers,
		timeout:  timeout,
		sessions: make(map[string]*session),
		early:    make(map[earlyKey]*CandidateBuffer),
	}
}

// LocalIdentity returns the identity this Negotiator speaks for.
func (n *Negotiator) LocalIdentity() string { return n.local }

// OnStateChange registers an observer for every session transition.
// Observers run outside the state lock, on the goroutine that caused the
// transition.
func (n *Negotiator) OnStateChange(fn func(Event)) {
	n.mu.Lock()
	n.observers = append(n.observers, fn)
	n.mu.Unlock()
}

// State returns the state of the session with remote, Idle if none exists.
func (n *Negotiator) State(remote string) State {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.sessions[remote]; ok {
		return s.state
	}
	return Idle
}

// Session returns a snapshot of the session with remote.
func (n *Negotiator) Session(remote string) (Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[remote]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// ---------------------------------------------------------------------------
// Local actions
// ---------------------------------------------------------------------------

// InitiateCall offers a call to remote. It returns once the offer is on the
// wire; the answer is handled by HandleMessage. If the session is hung up or
// superseded while the offer is being created, it returns nil and the offer
// is dropped.
func (n *Negotiator) InitiateCall(ctx context.Context, remote string) error {
	if remote == "" || remote == n.local {
		return fmt.Errorf("invalid remote identity %q", remote)
	}

	n.mu.Lock()
	if s, ok := n.sessions[remote]; ok && s.live() {
		n.unlock()
		return fmt.Errorf("%w with %s (%s)", ErrAlreadyInCall, remote, s.state)
	}

	s := n.newSession(remote, RoleCaller, uuid.NewString())
	n.dropEarly(remote)

	link, err := n.peers.Open(remote, n.hooks(s))
	if err != nil {
		n.closeSession(s, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		n.unlock()
		return err
	}
	s.link = link
	n.setState(s, OfferCreating, nil)
	n.unlock()

	offer, err := link.CreateOffer(ctx)

	n.mu.Lock()
	if !n.current(s, OfferCreating) {
		n.unlock()
		util.LogDebug("[%s] offer dropped, session is %s", remote, n.State(remote))
		return nil
	}
	if err != nil {
		l := n.closeSession(s, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
		n.unlock()
		closeLink(l)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	s.localDesc = &offer
	n.setState(s, OfferSent, nil)
	msg := protocol.Message{Type: protocol.TypeCallOffer, From: n.local, To: remote, CallID: s.id, Offer: &offer}
	n.unlock()

	if sent, err := n.sendFor(ctx, s, msg, OfferSent); err != nil {
		n.abort(s, err, false)
		return err
	} else if !sent {
		util.LogDebug("[%s] offer dropped, call closed before it went out", remote)
		return nil
	}

	n.mu.Lock()
	if n.current(s, OfferSent) {
		s.timer = time.AfterFunc(n.timeout, func() { n.expire(s) })
	}
	n.unlock()

	n.flushLocal(ctx, s)
	return nil
}

// Hangup ends the session with remote from any state. It is idempotent: a
// session that is already closed is left alone, and hanging up a peer with
// no session records a closed one. A hangup message is sent only when a live
// session existed; a send failure is returned but the session is closed
// regardless.
func (n *Negotiator) Hangup(ctx context.Context, remote string) error {
	n.mu.Lock()
	s, ok := n.sessions[remote]
	if !ok {
		s = n.newSession(remote, RoleCaller, "")
		s.state = Closed
		n.unlock()
		return nil
	}
	if s.state == Closed {
		n.unlock()
		return nil
	}

	link := n.closeSession(s, nil)
	msg := n.hangupMessage(s)
	n.unlock()

	closeLink(link)
	return n.send(ctx, msg)
}

// CloseAll hangs up every session and discards early candidates.
func (n *Negotiator) CloseAll(ctx context.Context) {
	n.mu.Lock()
	var links []*transport.Link
	var msgs []protocol.Message
	for _, s := range n.sessions {
		if s.state == Closed {
			continue
		}
		links = append(links, n.closeSession(s, nil))
		msgs = append(msgs, n.hangupMessage(s))
	}
	n.early = make(map[earlyKey]*CandidateBuffer)
	n.unlock()

	for _, l := range links {
		closeLink(l)
	}
	for _, msg := range msgs {
		if err := n.send(ctx, msg); err != nil {
			util.LogDebug("[%s] hangup not delivered: %v", msg.To, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

// HandleMessage dispatches an inbound signaling message. Messages that do
// not fit the current state are logged and absorbed; only engine or channel
// failures are returned.
func (n *Negotiator) HandleMessage(ctx context.Context, msg protocol.Message) error {
	util.Stats.AddRecv()

	if msg.To != "" && msg.To != n.local {
		util.LogDebug("ignoring %s addressed to %s", msg.Type, msg.To)
		return nil
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var err error
	switch msg.Type {
	case protocol.TypeCallOffer:
		err = n.HandleIncomingOffer(ctx, msg.From, msg.CallID, *msg.Offer)
	case protocol.TypeCallAnswer:
		err = n.HandleIncomingAnswer(ctx, msg.From, msg.CallID, *msg.Answer)
	case protocol.TypeIceCandidate:
		err = n.HandleIncomingIceCandidate(msg.From, msg.CallID, *msg.Candidate)
	case protocol.TypeHangup:
		err = n.HandlePeerHangup(msg.From, msg.CallID)
	default:
		return nil
	}

	if errors.Is(err, ErrInvalidStateTransition) {
		util.Stats.AddDropped()
		util.LogDebug("%v", err)
		return nil
	}
	return err
}

// HandleIncomingOffer answers an offer from from. An existing Idle or Closed
// session is stale and replaced. During glare the side whose identity sorts
// greater yields its own offer and answers; the other side ignores the
// incoming offer.
func (n *Negotiator) HandleIncomingOffer(ctx context.Context, from, callID string, offer protocol.SessionDescription) error {
	n.mu.Lock()
	var superseded *transport.Link

	if old, ok := n.sessions[from]; ok && old.live() {
		switch {
		case old.role == RoleCaller && (old.state == OfferCreating || old.state == OfferSent):
			if n.local < from {
				n.unlock()
				util.LogDebug("[%s] glare: keeping own offer", from)
				return nil
			}
			util.LogInfo("[%s] glare: yielding own offer", from)
			superseded = n.closeSession(old, ErrOfferSuperseded)

		default:
			state := old.state
			n.unlock()
			return fmt.Errorf("%w: offer from %s in state %s", ErrInvalidStateTransition, from, state)
		}
	}

	early := n.early[earlyKey{from, callID}]
	n.dropEarly(from)
	if callID == "" {
		callID = uuid.NewString()
	}
	s := n.newSession(from, RoleCallee, callID)
	if early != nil {
		s.pendingRemote.appendFrom(early)
	}

	link, err := n.peers.Open(from, n.hooks(s))
	if err != nil {
		n.closeSession(s, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		msg := n.hangupMessage(s)
		n.unlock()
		closeLink(superseded)
		n.sendQuiet(msg)
		return err
	}
	s.link = link
	s.remoteDesc = &offer
	n.setState(s, AnswerCreating, nil)
	n.unlock()

	closeLink(superseded)

	if err := link.SetRemoteDescription(offer); err != nil {
		if !n.abort(s, fmt.Errorf("%w: apply offer: %v", ErrNegotiationFailed, err), true) {
			return nil
		}
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	n.mu.Lock()
	if !n.current(s, AnswerCreating) {
		n.unlock()
		return nil
	}
	s.remoteApplied = true
	n.drainRemote(s)
	n.unlock()

	answer, err := link.CreateAnswer(ctx)

	n.mu.Lock()
	if !n.current(s, AnswerCreating) {
		n.unlock()
		util.LogDebug("[%s] answer dropped, session is %s", from, n.State(from))
		return nil
	}
	if err != nil {
		n.unlock()
		n.abort(s, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err), true)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	s.localDesc = &answer
	n.setState(s, AnswerSent, nil)
	if s.mediaUp {
		n.setState(s, Connected, nil)
	}
	msg := protocol.Message{Type: protocol.TypeCallAnswer, From: n.local, To: from, CallID: s.id, Answer: &answer}
	n.unlock()

	if sent, err := n.sendFor(ctx, s, msg, AnswerSent, Connected); err != nil {
		n.abort(s, err, false)
		return err
	} else if !sent {
		util.LogDebug("[%s] answer dropped, call closed before it went out", from)
		return nil
	}

	n.flushLocal(ctx, s)
	return nil
}

// HandleIncomingAnswer applies the answer to our offer. It is only valid in
// OfferSent; anything else is a duplicate or late delivery.
func (n *Negotiator) HandleIncomingAnswer(ctx context.Context, from, callID string, answer protocol.SessionDescription) error {
	n.mu.Lock()
	s, ok := n.sessions[from]
	if !ok || s.state != OfferSent || !s.matches(callID) {
		state := Idle
		if ok {
			state = s.state
		}
		n.unlock()
		return fmt.Errorf("%w: answer from %s in state %s", ErrInvalidStateTransition, from, state)
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.remoteDesc = &answer
	n.setState(s, Connecting, nil)
	link := s.link
	n.unlock()

	if err := link.SetRemoteDescription(answer); err != nil {
		if !n.abort(s, fmt.Errorf("%w: apply answer: %v", ErrNegotiationFailed, err), true) {
			return nil
		}
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	n.mu.Lock()
	defer n.unlock()

	if !n.current(s, Connecting) {
		return nil
	}
	s.remoteApplied = true
	n.drainRemote(s)
	if s.mediaUp {
		n.setState(s, Connected, nil)
	}
	return nil
}

// HandleIncomingIceCandidate applies a remote candidate, or queues it until
// the remote description is applied. Candidates for an unknown peer wait for
// the offer that will create the session.
func (n *Negotiator) HandleIncomingIceCandidate(from, callID string, c protocol.ICECandidate) error {
	n.mu.Lock()
	defer n.unlock()

	s, ok := n.sessions[from]
	// A closed session with another call id is a tombstone; the candidate
	// belongs to an offer still on its way.
	if !ok || (s.state == Closed && callID != "" && callID != s.id) {
		key := earlyKey{from, callID}
		buf, ok := n.early[key]
		if !ok {
			buf = &CandidateBuffer{}
			n.early[key] = buf
		}
		buf.Push(c)
		return nil
	}

	if s.state == Closed || !s.matches(callID) {
		return fmt.Errorf("%w: candidate from %s for call %q in state %s", ErrInvalidStateTransition, from, callID, s.state)
	}

	if s.remoteApplied {
		n.applyCandidate(s, c)
	} else {
		s.pendingRemote.Push(c)
	}
	return nil
}

// HandlePeerHangup closes the session with from.
func (n *Negotiator) HandlePeerHangup(from, callID string) error {
	n.mu.Lock()
	s, ok := n.sessions[from]
	if !ok || s.state == Closed || !s.matches(callID) {
		n.unlock()
		return fmt.Errorf("%w: hangup from %s without a live call", ErrInvalidStateTransition, from)
	}

	link := n.closeSession(s, ErrPeerHangup)
	n.unlock()

	closeLink(link)
	util.LogInfo("[%s] remote hung up", from)
	return nil
}

// ---------------------------------------------------------------------------
// Engine events
// ---------------------------------------------------------------------------

func (n *Negotiator) hooks(s *session) transport.Hooks {
	return transport.Hooks{
		OnCandidate:   func(c protocol.ICECandidate) { n.handleLocalIceCandidate(s, c) },
		OnStateChange: func(state transport.ConnectionState) { n.handleMediaState(s, state) },
	}
}

// handleLocalIceCandidate sends a locally discovered candidate to the peer.
// Until the session's own description is on the wire the candidate is held,
// so that it cannot overtake the offer or answer.
func (n *Negotiator) handleLocalIceCandidate(s *session, c protocol.ICECandidate) {
	n.mu.Lock()
	if !n.current(s) || s.state == Closed {
		n.unlock()
		return
	}
	if !s.described {
		s.pendingLocal.Push(c)
		n.unlock()
		return
	}
	msg := n.candidateMessage(s, c)
	n.unlock()

	n.sendQuiet(msg)
}

func (n *Negotiator) handleMediaState(s *session, state transport.ConnectionState) {
	n.mu.Lock()
	if !n.current(s) || s.state == Closed {
		n.unlock()
		return
	}

	switch state {
	case transport.StateConnected:
		s.mediaUp = true
		if s.state == AnswerSent || (s.state == Connecting && s.remoteApplied) {
			n.setState(s, Connected, nil)
		}
		n.unlock()

	case transport.StateFailed, transport.StateClosed:
		link := n.closeSession(s, fmt.Errorf("%w: media path %s", ErrNegotiationFailed, state))
		msg := n.hangupMessage(s)
		n.unlock()
		closeLink(link)
		n.sendQuiet(msg)

	case transport.StateDisconnected:
		n.unlock()
		util.LogWarning("[%s] media path disconnected", s.remote)

	default:
		n.unlock()
	}
}

// expire closes a session still waiting for its answer.
func (n *Negotiator) expire(s *session) {
	n.mu.Lock()
	if !n.current(s, OfferSent) {
		n.unlock()
		return
	}
	link := n.closeSession(s, ErrNegotiationTimeout)
	msg := n.hangupMessage(s)
	n.unlock()

	closeLink(link)
	util.LogWarning("[%s] no answer within %s", s.remote, n.timeout)
	n.sendQuiet(msg)
}

// ---------------------------------------------------------------------------
// Helpers (callers hold n.mu unless noted)
// ---------------------------------------------------------------------------

func (n *Negotiator) newSession(remote string, role Role, id string) *session {
	s := &session{
		id:     id,
		local:  n.local,
		remote: remote,
		role:   role,
		state:  Idle,
	}
	n.sessions[remote] = s
	if id != "" {
		util.Stats.AddOpened()
	}
	return s
}

// current reports whether s is still the session for its peer and, when
// states are given, whether it is in one of them.
func (n *Negotiator) current(s *session, states ...State) bool {
	if n.sessions[s.remote] != s {
		return false
	}
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if s.state == st {
			return true
		}
	}
	return false
}

func (n *Negotiator) setState(s *session, to State, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	switch to {
	case Connected:
		util.Stats.AddConnected()
		util.LogSuccess("[%s] call connected (%s)", s.remote, s.role)
	case Closed:
		util.Stats.AddClosed()
		s.err = err
		if s.timer != nil {
			s.timer.Stop()
		}
	}

	util.LogDebug("[%s] %s → %s", s.remote, from, to)
	n.events = append(n.events, Event{Remote: s.remote, CallID: s.id, From: from, To: to, Err: err})
}

// closeSession moves s to Closed and returns its link, which the caller
// closes after releasing n.mu.
func (n *Negotiator) closeSession(s *session, err error) *transport.Link {
	n.setState(s, Closed, err)
	s.pendingLocal.Drain()
	s.pendingRemote.Drain()
	link := s.link
	s.link = nil
	return link
}

// abort closes s after a failure outside the lock, if it is still current,
// and reports whether it did. A failure of a session that was already
// closed or replaced is a late result and is dropped. notify sends a hangup
// so the peer does not wait for its timeout.
func (n *Negotiator) abort(s *session, err error, notify bool) bool {
	n.mu.Lock()
	if !n.current(s) || s.state == Closed {
		n.unlock()
		return false
	}
	link := n.closeSession(s, err)
	msg := n.hangupMessage(s)
	n.unlock()

	closeLink(link)
	if notify {
		n.sendQuiet(msg)
	}
	return true
}

// drainRemote applies every queued remote candidate, oldest first.
func (n *Negotiator) drainRemote(s *session) {
	for _, c := range s.pendingRemote.Drain() {
		n.applyCandidate(s, c)
	}
}

func (n *Negotiator) applyCandidate(s *session, c protocol.ICECandidate) {
	if err := s.link.AddICECandidate(c); err != nil {
		util.LogWarning("[%s] AddICECandidate failed: %v", s.remote, err)
		return
	}
	util.Stats.AddApplied()
}

func (n *Negotiator) dropEarly(from string) {
	for key := range n.early {
		if key.from == from {
			delete(n.early, key)
		}
	}
}

func (n *Negotiator) hangupMessage(s *session) protocol.Message {
	return protocol.Message{Type: protocol.TypeHangup, From: n.local, To: s.remote, CallID: s.id}
}

func (n *Negotiator) candidateMessage(s *session, c protocol.ICECandidate) protocol.Message {
	return protocol.Message{Type: protocol.TypeIceCandidate, From: n.local, To: s.remote, CallID: s.id, Candidate: &c}
}

// unlock releases n.mu and then delivers the transitions recorded while it
// was held.
func (n *Negotiator) unlock() {
	events := n.events
	n.events = nil
	observers := n.observers
	n.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// flushLocal sends the candidates held while the description was pending
// and then lets new candidates go out directly. Called without n.mu.
func (n *Negotiator) flushLocal(ctx context.Context, s *session) {
	for {
		n.mu.Lock()
		if !n.current(s) || s.state == Closed {
			n.unlock()
			return
		}
		pending := s.pendingLocal.Drain()
		if len(pending) == 0 {
			s.described = true
			n.unlock()
			return
		}
		msgs := make([]protocol.Message, 0, len(pending))
		for _, c := range pending {
			msgs = append(msgs, n.candidateMessage(s, c))
		}
		n.unlock()

		for _, msg := range msgs {
			if err := n.send(ctx, msg); err != nil {
				util.LogWarning("[%s] candidate not delivered: %v", s.remote, err)
			}
		}
	}
}

// send transmits msg. Called without n.mu.
func (n *Negotiator) send(ctx context.Context, msg protocol.Message) error {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return n.transmit(ctx, msg)
}

// sendFor transmits msg only if s is still current in one of states. The
// check and the send share sendMu, so once a hangup has closed s nothing of
// s follows it on the wire. Called without n.mu.
func (n *Negotiator) sendFor(ctx context.Context, s *session, msg protocol.Message, states ...State) (bool, error) {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()

	n.mu.Lock()
	ok := n.current(s, states...)
	n.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, n.transmit(ctx, msg)
}

// transmit does the send. Callers hold n.sendMu.
func (n *Negotiator) transmit(ctx context.Context, msg protocol.Message) error {
	if err := n.sender.Send(ctx, msg); err != nil {
		if errors.Is(err, protocol.ErrChannelUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", protocol.ErrChannelUnavailable, err)
	}
	util.Stats.AddSent()
	return nil
}

// sendQuiet sends from a callback or timer, logging failures.
func (n *Negotiator) sendQuiet(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackSendTimeout)
	defer cancel()

	if err := n.send(ctx, msg); err != nil {
		util.LogDebug("[%s] %s not delivered: %v", msg.To, msg.Type, err)
	}
}

func closeLink(l *transport.Link) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		util.LogDebug("[%s] close link: %v", l.Remote(), err)
	}
}
