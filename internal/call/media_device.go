//go:build mediadevices

package call

import (
	"context"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	deviceFrameDuration = time.Second / 30
	deviceAudioDuration = 20 * time.Millisecond
)

// DeviceSource captures the real camera and microphone through
// pion/mediadevices (V4L2 + malgo). Frames are encoded to VP8 and Opus here
// and written into SampleTracks, so the peer connection needs no knowledge of
// the capture stack.
type DeviceSource struct {
	Width   int
	Height  int
	BitRate int
	Logger  zerolog.Logger
}

func (d *DeviceSource) Acquire(ctx context.Context) (*MediaHandle, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrDeviceUnavailable
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}
	if d.BitRate > 0 {
		vpxParams.BitRate = d.BitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	width, height := d.Width, d.Height
	if width == 0 || height == 0 {
		width, height = 640, 480
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			c.Width = prop.IntRanged{Max: width}
			c.Height = prop.IntRanged{Max: height}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	var tracks []LocalTrack
	for _, src := range stream.GetTracks() {
		t, err := d.bridge(src)
		if err != nil {
			for _, t := range tracks {
				_ = t.Stop()
			}
			for _, s := range stream.GetTracks() {
				s.Close()
			}
			return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
		}
		tracks = append(tracks, t)
	}

	if err := ctx.Err(); err != nil {
		h := NewMediaHandle(tracks...)
		_ = h.Stop()
		return nil, err
	}

	d.Logger.Info().Int("tracks", len(tracks)).Msg("capture devices acquired")
	return NewMediaHandle(tracks...), nil
}

func (d *DeviceSource) Release(h *MediaHandle) {
	if err := h.Stop(); err != nil {
		d.Logger.Debug().Err(err).Msg("media release")
	}
}

// bridge reads encoded frames from a capture track into a SampleTrack.
func (d *DeviceSource) bridge(src mediadevices.Track) (*SampleTrack, error) {
	mime, duration := webrtc.MimeTypeVP8, deviceFrameDuration
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		mime, duration = webrtc.MimeTypeOpus, deviceAudioDuration
	}

	reader, err := src.NewEncodedReader(mime)
	if err != nil {
		return nil, err
	}

	track, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: mime}, src.Kind().String(), localStreamID, func() error {
		reader.Close()
		return src.Close()
	})
	if err != nil {
		reader.Close()
		return nil, err
	}

	go func() {
		for {
			buf, release, err := reader.Read()
			if err != nil {
				return
			}
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			release()

			if err := track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
				return
			}
		}
	}()

	return track, nil
}
