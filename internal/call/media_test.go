package call

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrack(t *testing.T, mime string, onStop func() error) *SampleTrack {
	t.Helper()
	track, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: mime}, "t-"+mime, "test", onStop)
	require.NoError(t, err)
	return track
}

func TestMediaHandleToggleRoundTrip(t *testing.T) {
	audio := newTestTrack(t, webrtc.MimeTypeOpus, nil)
	video := newTestTrack(t, webrtc.MimeTypeVP8, nil)
	h := NewMediaHandle(audio, video)

	assert.True(t, h.AudioEnabled())
	assert.False(t, h.ToggleAudio())
	assert.False(t, audio.Enabled())
	assert.True(t, video.Enabled())
	assert.True(t, h.ToggleAudio())
	assert.True(t, audio.Enabled())

	assert.False(t, h.ToggleVideo())
	assert.False(t, h.VideoEnabled())
	assert.Len(t, h.Tracks(), 2)
}

func TestMediaHandleStopOnce(t *testing.T) {
	stops := 0
	track := newTestTrack(t, webrtc.MimeTypeOpus, func() error {
		stops++
		return nil
	})
	h := NewMediaHandle(track)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.Equal(t, 1, stops)
	assert.True(t, h.Stopped())

	var nilHandle *MediaHandle
	assert.NoError(t, nilHandle.Stop())
}

func TestSampleTrackGating(t *testing.T) {
	track := newTestTrack(t, webrtc.MimeTypeOpus, nil)
	sample := media.Sample{Data: []byte{0x1}, Duration: oggPageDuration}

	assert.NoError(t, track.WriteSample(sample))
	track.SetEnabled(false)
	assert.NoError(t, track.WriteSample(sample))

	require.NoError(t, track.Stop())
	select {
	case <-track.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, track.WriteSample(sample), io.ErrClosedPipe)
}

func TestFileSourceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := (&FileSource{}).Acquire(ctx)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))

	_, err = (&FileSource{VideoFile: filepath.Join(t.TempDir(), "missing.ivf")}).Acquire(ctx)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))

	garbage := filepath.Join(t.TempDir(), "garbage.ivf")
	require.NoError(t, os.WriteFile(garbage, []byte("not an ivf file at all, just text"), 0o644))
	_, err = (&FileSource{VideoFile: garbage}).Acquire(ctx)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
}

func TestFileSourcePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	locked := filepath.Join(t.TempDir(), "locked.ivf")
	require.NoError(t, os.WriteFile(locked, ivfFile(1), 0o000))

	_, err := (&FileSource{VideoFile: locked}).Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
}

func TestFileSourceAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ivf")
	require.NoError(t, os.WriteFile(path, ivfFile(3), 0o644))

	src := &FileSource{VideoFile: path, Logger: zerolog.Nop()}
	h, err := src.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, h.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, h.Tracks()[0].Kind())
	assert.True(t, h.VideoEnabled())
	assert.False(t, h.AudioEnabled())

	src.Release(h)
	src.Release(h)
	assert.True(t, h.Stopped())
}

// ivfFile builds a VP8 IVF stream with n tiny frames at 30fps.
func ivfFile(n int) []byte {
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	out := header
	for i := 0; i < n; i++ {
		frame := make([]byte, 12+4)
		binary.LittleEndian.PutUint32(frame[0:], 4)
		binary.LittleEndian.PutUint64(frame[4:], uint64(i))
		copy(frame[12:], []byte{0x10, 0x02, 0x00, 0x9d})
		out = append(out, frame...)
	}
	return out
}
