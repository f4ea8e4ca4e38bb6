package coordinator

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaSource acquires the local media tracks attached to a peer session.
// Acquisition may take arbitrarily long (a browser-style permission prompt),
// so it runs off the coordinator's event loop and must honor ctx.
type MediaSource interface {
	Acquire(ctx context.Context) (*TrackSet, error)
}

// TrackSet is an acquired set of local tracks. The coordinator holds on to a
// TrackSet across successive sessions so a redial does not re-prompt; Stop is
// called only on explicit hangup or teardown.
type TrackSet struct {
	tracks []webrtc.TrackLocal
	stop   func()

	once sync.Once
}

func NewTrackSet(tracks []webrtc.TrackLocal, stop func()) *TrackSet {
	return &TrackSet{tracks: tracks, stop: stop}
}

func (t *TrackSet) Tracks() []webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	return t.tracks
}

// Stop releases the capture devices. Idempotent.
func (t *TrackSet) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

// StaticSource produces synthetic audio and video tracks with no capture
// hardware behind them. Used by the headless client and throughout the
// tests; a real deployment plugs in a camera-backed MediaSource instead.
type StaticSource struct {
	// StreamID groups the tracks; defaults to "duet".
	StreamID string
}

func (s StaticSource) Acquire(ctx context.Context) (*TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "duet"
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, err
	}
	return NewTrackSet([]webrtc.TrackLocal{audio, video}, nil), nil
}
