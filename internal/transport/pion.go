package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

// Compile-time interface checks.
var (
	_ Engine         = (*PionEngine)(nil)
	_ PeerConnection = (*pionPeer)(nil)
)

// PionEngine creates pion/webrtc peer connections with the default codecs,
// the default interceptors (NACK, RTCP reports, TWCC) and the configured ICE
// servers. pion's internal logs are routed to the module logger at trace
// level.
type PionEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionEngine builds the shared pion API. iceServers are STUN/TURN URLs;
// an empty list restricts gathering to host candidates.
func NewPionEngine(iceServers []string) (*PionEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionEngine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry), webrtc.WithSettingEngine(se)),
		config: config,
	}, nil
}

// NewPeerConnection creates a PeerConnection and attaches every local track.
func (e *PionEngine) NewPeerConnection(local *LocalMedia) (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, err
	}

	if local != nil {
		for _, track := range local.Tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to attach %s track: %w", track.Kind(), err)
			}
			go drainRTCP(sender)
		}
	}

	return &pionPeer{pc: pc}, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
// It exits when the sender is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (protocol.SessionDescription, error) {
	sd, err := p.pc.CreateOffer(nil)
	return fromPion(sd), err
}

func (p *pionPeer) CreateAnswer() (protocol.SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	return fromPion(sd), err
}

func (p *pionPeer) SetLocalDescription(sd protocol.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(sd))
}

func (p *pionPeer) SetRemoteDescription(sd protocol.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(sd))
}

func (p *pionPeer) AddICECandidate(c protocol.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnICECandidate(fn func(*protocol.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&protocol.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			StreamID: track.StreamID(),
			TrackID:  track.ID(),
			Kind:     track.Kind().String(),
			Track:    track,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(fromPionState(state))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func fromPion(sd webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func toPion(sd protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func fromPionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

// ---------------------------------------------------------------------------
// pion logging
// ---------------------------------------------------------------------------

// loggerFactory routes pion's scoped loggers to util at trace level; pion
// errors and warnings keep their level.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{util.Scope("pion/" + scope)}
}

type scopedLogger struct {
	scope util.Scope
}

func (l scopedLogger) Trace(msg string) { l.scope.Trace("%s", msg) }
func (l scopedLogger) Tracef(format string, args ...interface{}) {
	l.scope.Trace(format, args...)
}
func (l scopedLogger) Debug(msg string) { l.scope.Trace("%s", msg) }
func (l scopedLogger) Debugf(format string, args ...interface{}) {
	l.scope.Trace(format, args...)
}
func (l scopedLogger) Info(msg string) { l.scope.Trace("%s", msg) }
func (l scopedLogger) Infof(format string, args ...interface{}) {
	l.scope.Trace(format, args...)
}
func (l scopedLogger) Warn(msg string) { l.scope.Warning("%s", msg) }
func (l scopedLogger) Warnf(format string, args ...interface{}) {
	l.scope.Warning(format, args...)
}
func (l scopedLogger) Error(msg string) { l.scope.Error("%s", msg) }
func (l scopedLogger) Errorf(format string, args ...interface{}) {
	l.scope.Error(format, args...)
}
