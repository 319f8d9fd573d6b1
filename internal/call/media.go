package call

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource hands out local camera and microphone tracks. One Acquire is
// outstanding per active call; Release stops every track of the handle and is
// safe to call more than once.
type MediaSource interface {
	Acquire(ctx context.Context) (*MediaHandle, error)
	Release(h *MediaHandle)
}

// LocalTrack is an outbound track whose enabled flag can be flipped without
// stopping it. A disabled track stays negotiated and simply sends nothing.
type LocalTrack interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// MediaHandle owns the tracks of one acquisition.
type MediaHandle struct {
	tracks   []LocalTrack
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewMediaHandle wraps tracks in a handle.
func NewMediaHandle(tracks ...LocalTrack) *MediaHandle {
	return &MediaHandle{tracks: tracks}
}

// Tracks returns the tracks to attach to a peer connection.
func (h *MediaHandle) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(h.tracks))
	for i, t := range h.tracks {
		out[i] = t
	}
	return out
}

// ToggleAudio flips every audio track and returns the new enabled value.
func (h *MediaHandle) ToggleAudio() bool { return h.toggle(webrtc.RTPCodecTypeAudio) }

// ToggleVideo flips every video track and returns the new enabled value.
func (h *MediaHandle) ToggleVideo() bool { return h.toggle(webrtc.RTPCodecTypeVideo) }

// AudioEnabled reports whether the audio tracks are enabled.
func (h *MediaHandle) AudioEnabled() bool { return h.enabled(webrtc.RTPCodecTypeAudio) }

// VideoEnabled reports whether the video tracks are enabled.
func (h *MediaHandle) VideoEnabled() bool { return h.enabled(webrtc.RTPCodecTypeVideo) }

func (h *MediaHandle) toggle(kind webrtc.RTPCodecType) bool {
	next := !h.enabled(kind)
	for _, t := range h.tracks {
		if t.Kind() == kind {
			t.SetEnabled(next)
		}
	}
	return next
}

func (h *MediaHandle) enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range h.tracks {
		if t.Kind() == kind {
			return t.Enabled()
		}
	}
	return false
}

// Stop stops every track once. Later calls return nil.
func (h *MediaHandle) Stop() error {
	if h == nil {
		return nil
	}
	var firstErr error
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		for _, t := range h.tracks {
			if err := t.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Stopped reports whether Stop has run.
func (h *MediaHandle) Stopped() bool {
	return h.stopped.Load()
}

// SampleTrack is a static-sample track gated by an enabled flag.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	onStop   func() error
}

// NewSampleTrack creates an enabled track. onStop, if set, runs once when the
// track is stopped and should release whatever feeds it.
func NewSampleTrack(codec webrtc.RTPCodecCapability, id, streamID string, onStop func() error) (*SampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{TrackLocalStaticSample: inner, done: make(chan struct{}), onStop: onStop}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }

func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// WriteSample forwards s while enabled and drops it otherwise.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// Done is closed once the track is stopped.
func (t *SampleTrack) Done() <-chan struct{} { return t.done }

func (t *SampleTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		if t.onStop != nil {
			err = t.onStop()
		}
	})
	return err
}
