package call

import (
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
	localStreamID   = "local"
)

// FileSource plays a VP8 IVF file and an Opus Ogg file in a loop as the local
// camera and microphone. Either file may be empty, not both. It stands in for
// capture hardware on headless clients.
type FileSource struct {
	VideoFile string
	AudioFile string
	Logger    zerolog.Logger
}

func (f *FileSource) Acquire(ctx context.Context) (*MediaHandle, error) {
	if f.VideoFile == "" && f.AudioFile == "" {
		return nil, ErrDeviceUnavailable
	}

	var tracks []LocalTrack
	fail := func(err error) (*MediaHandle, error) {
		for _, t := range tracks {
			_ = t.Stop()
		}
		return nil, err
	}

	if f.VideoFile != "" {
		t, err := f.openVideo()
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}
	if f.AudioFile != "" {
		t, err := f.openAudio()
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	f.Logger.Debug().Int("tracks", len(tracks)).Msg("file media acquired")
	return NewMediaHandle(tracks...), nil
}

func (f *FileSource) Release(h *MediaHandle) {
	if err := h.Stop(); err != nil {
		f.Logger.Debug().Err(err).Msg("media release")
	}
}

// openMedia maps filesystem failures onto the media error taxonomy.
func openMedia(path string) (*os.File, error) {
	file, err := os.Open(path)
	switch {
	case err == nil:
		return file, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, errors.Wrap(ErrPermissionDenied, path)
	case errors.Is(err, fs.ErrNotExist):
		return nil, errors.Wrap(ErrDeviceUnavailable, path)
	default:
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}
}

func (f *FileSource) openVideo() (*SampleTrack, error) {
	file, err := openMedia(f.VideoFile)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	track, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", localStreamID, file.Close)
	if err != nil {
		file.Close()
		return nil, err
	}

	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	go f.pumpVideo(track, file, reader, frameDuration)
	return track, nil
}

func (f *FileSource) pumpVideo(track *SampleTrack, file *os.File, reader *ivfreader.IVFReader, frameDuration time.Duration) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if reader, err = rewindIVF(file); err != nil {
				f.Logger.Warn().Err(err).Msg("video file rewind failed")
				return
			}
			continue
		}
		if err != nil {
			f.Logger.Warn().Err(err).Msg("video file read failed")
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return
		}
	}
}

func rewindIVF(file *os.File) (*ivfreader.IVFReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(file)
	return reader, err
}

func (f *FileSource) openAudio() (*SampleTrack, error) {
	file, err := openMedia(f.AudioFile)
	if err != nil {
		return nil, err
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	track, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", localStreamID, file.Close)
	if err != nil {
		file.Close()
		return nil, err
	}

	go f.pumpAudio(track, file, reader)
	return track, nil
}

func (f *FileSource) pumpAudio(track *SampleTrack, file *os.File, reader *oggreader.OggReader) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				f.Logger.Warn().Err(err).Msg("audio file rewind failed")
				return
			}
			if reader, _, err = oggreader.NewWith(file); err != nil {
				f.Logger.Warn().Err(err).Msg("audio file rewind failed")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			f.Logger.Warn().Err(err).Msg("audio file read failed")
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return
		}
	}
}
