package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/medicall/internal/util"
)

var (
	// ErrMediaAccessDenied means the user declined capture permission.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrMediaUnavailable means no capture device matches the constraints.
	ErrMediaUnavailable = errors.New("media unavailable")
)

// Constraints selects which kinds of local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the captured local stream. Its tracks are attached to every
// peer connection at creation time and shared by all of them.
type LocalMedia struct {
	StreamID string
	Tracks   []webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

// Stop releases the capture. Safe to call multiple times.
func (m *LocalMedia) Stop() {
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// Devices acquires local capture, the equivalent of getUserMedia.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// ---------------------------------------------------------------------------
// StaticDevices
// ---------------------------------------------------------------------------

const (
	opusFrameDuration = 20 * time.Millisecond
	streamID          = "medicall"
)

// opusSilence is a single 20ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticDevices is a headless capture provider. It produces pion sample
// tracks (Opus audio, VP8 video) and keeps the audio track alive with a
// silence pump so the remote side sees a flowing stream.
type StaticDevices struct{}

// GetUserMedia creates the requested tracks. The silence pump stops when ctx
// is cancelled or the returned media is stopped.
func (StaticDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", ErrMediaUnavailable)
	}

	lm := &LocalMedia{StreamID: streamID}

	var audio *webrtc.TrackLocalStaticSample
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		audio = track
		lm.Tracks = append(lm.Tracks, track)
	}

	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		lm.Tracks = append(lm.Tracks, track)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	lm.stop = cancel
	if audio != nil {
		go pumpSilence(pumpCtx, audio)
	}

	return lm, nil
}

// pumpSilence writes an Opus silence frame every frame interval. Writes
// before any peer has bound the track are no-ops in pion.
func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A closed binding fails the write; other links keep receiving.
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				util.LogTrace("silence write: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
