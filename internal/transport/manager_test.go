package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/transport"
	"github.com/1ureka/medicall/internal/transport/transporttest"
)

func newManager(t *testing.T, engine *transporttest.Engine) *transport.Manager {
	t.Helper()
	m := transport.NewManager(engine, transporttest.Devices{})
	if _, err := m.CreateLocalMedia(context.Background(), transport.Constraints{Audio: true, Video: true}); err != nil {
		t.Fatalf("CreateLocalMedia failed: %v", err)
	}
	return m
}

func TestOpenRequiresLocalMedia(t *testing.T) {
	m := transport.NewManager(&transporttest.Engine{}, transporttest.Devices{})
	if _, err := m.Open("bob", transport.Hooks{}); !errors.Is(err, transport.ErrNoLocalMedia) {
		t.Fatalf("expected ErrNoLocalMedia, got %v", err)
	}
}

func TestCreateLocalMediaErrors(t *testing.T) {
	testCases := []struct {
		name    string
		devices transporttest.Devices
		c       transport.Constraints
		want    error
	}{
		{"denied", transporttest.Devices{Err: transport.ErrMediaAccessDenied}, transport.Constraints{Video: true}, transport.ErrMediaAccessDenied},
		{"no device", transporttest.Devices{Err: transport.ErrMediaUnavailable}, transport.Constraints{Audio: true}, transport.ErrMediaUnavailable},
		{"nothing requested", transporttest.Devices{}, transport.Constraints{}, transport.ErrMediaUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := transport.NewManager(&transporttest.Engine{}, tc.devices)
			if _, err := m.CreateLocalMedia(context.Background(), tc.c); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, err := m.Open("bob", transport.Hooks{}); !errors.Is(err, transport.ErrNoLocalMedia) {
				t.Errorf("failed capture must not enable Open, got %v", err)
			}
		})
	}
}

func TestStaticDevicesRejectsEmptyConstraints(t *testing.T) {
	if _, err := (transport.StaticDevices{}).GetUserMedia(context.Background(), transport.Constraints{}); !errors.Is(err, transport.ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
}

func TestCreateOfferAppliesLocalDescription(t *testing.T) {
	engine := &transporttest.Engine{Name: "a"}
	m := newManager(t, engine)

	link, err := m.Open("bob", transport.Hooks{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	offer, err := link.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if offer.Type != protocol.SDPOffer {
		t.Errorf("type mismatch: %q", offer.Type)
	}

	peer := engine.Last()
	if peer.Local() == nil || peer.Local().SDP != offer.SDP {
		t.Errorf("offer was not applied locally: %+v", peer.Local())
	}
}

func TestConcurrentDescriptionRequestsRejected(t *testing.T) {
	engine := &transporttest.Engine{Name: "a"}
	m := newManager(t, engine)
	link, _ := m.Open("bob", transport.Hooks{})

	engine.Block()

	errCh := make(chan error, 1)
	go func() {
		_, err := link.CreateOffer(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := link.CreateOffer(ctx); !errors.Is(err, transport.ErrNegotiationInProgress) {
		t.Fatalf("expected ErrNegotiationInProgress, got %v", err)
	}

	engine.Release()
	if err := <-errCh; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	engine := &transporttest.Engine{Name: "a"}
	m := newManager(t, engine)
	link, _ := m.Open("bob", transport.Hooks{})

	engine.Block()
	defer engine.Release()

	errCh := make(chan error, 1)
	go func() {
		_, err := link.CreateOffer(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := link.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrLinkClosed) {
			t.Fatalf("expected ErrLinkClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CreateOffer did not return after Close")
	}

	if err := link.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := link.AddICECandidate(protocol.ICECandidate{Candidate: "x"}); !errors.Is(err, transport.ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed after Close, got %v", err)
	}
	if !engine.Last().Closed() {
		t.Error("peer connection was not closed")
	}
}

func TestContextCancelsPendingRequest(t *testing.T) {
	engine := &transporttest.Engine{Name: "a"}
	m := newManager(t, engine)
	link, _ := m.Open("bob", transport.Hooks{})

	engine.Block()
	defer engine.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := link.CreateOffer(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestHooksForwardCandidatesAndState(t *testing.T) {
	engine := &transporttest.Engine{Name: "a", Candidates: 3}
	m := newManager(t, engine)

	var mu sync.Mutex
	var got []string
	gathered := make(chan struct{})
	states := make(chan transport.ConnectionState, 4)

	link, err := m.Open("bob", transport.Hooks{
		OnCandidate: func(c protocol.ICECandidate) {
			mu.Lock()
			got = append(got, c.Candidate)
			if len(got) == 3 {
				close(gathered)
			}
			mu.Unlock()
		},
		OnStateChange: func(s transport.ConnectionState) { states <- s },
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := link.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	select {
	case <-gathered:
	case <-time.After(time.Second):
		t.Fatal("local candidates were not forwarded")
	}

	engine.Last().EmitState(transport.StateFailed)
	if s := <-states; s != transport.StateFailed {
		t.Errorf("state mismatch: %s", s)
	}

	link.Close()
	engine.Last().EmitState(transport.StateClosed)
	engine.Last().EmitCandidate(protocol.ICECandidate{Candidate: "late"})

	select {
	case s := <-states:
		t.Errorf("state forwarded after Close: %s", s)
	default:
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("candidate forwarded after Close: %v", got)
	}
}

func TestRemoteTrackSinkOncePerStream(t *testing.T) {
	engine := &transporttest.Engine{Name: "a"}
	m := newManager(t, engine)

	var calls []transport.RemoteTrack
	m.AttachRemoteTrackSink(func(remote string, track transport.RemoteTrack) {
		if remote != "bob" {
			t.Errorf("remote mismatch: %q", remote)
		}
		calls = append(calls, track)
	})

	if _, err := m.Open("bob", transport.Hooks{}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	peer := engine.Last()

	peer.EmitTrack(transport.RemoteTrack{StreamID: "s1", TrackID: "audio", Kind: "audio"})
	peer.EmitTrack(transport.RemoteTrack{StreamID: "s1", TrackID: "video", Kind: "video"})
	peer.EmitTrack(transport.RemoteTrack{StreamID: "s2", TrackID: "video2", Kind: "video"})

	if len(calls) != 1 {
		t.Fatalf("sink should fire once, fired %d times", len(calls))
	}
	if calls[0].StreamID != "s1" || calls[0].TrackID != "audio" {
		t.Errorf("unexpected track: %+v", calls[0])
	}
}

func TestOpenEngineFailure(t *testing.T) {
	engine := &transporttest.Engine{}
	m := newManager(t, engine)

	boom := errors.New("boom")
	engine.FailNext(boom)
	if _, err := m.Open("bob", transport.Hooks{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped engine error, got %v", err)
	}
	if _, err := m.Open("bob", transport.Hooks{}); err != nil {
		t.Fatalf("engine should recover, got %v", err)
	}
}

func TestConnectionStateString(t *testing.T) {
	if transport.StateConnected.String() != "connected" || transport.ConnectionState(99).String() != "unknown" {
		t.Error("ConnectionState.String mismatch")
	}
}
