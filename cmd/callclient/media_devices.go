//go:build mediadevices

package main

import (
	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/call"
	"github.com/rs/zerolog"
)

// mediaSource prefers media files when configured and falls back to the
// capture devices.
func mediaSource(cfg *config.ClientConfig, logger zerolog.Logger) call.MediaSource {
	if cfg.VideoFile != "" || cfg.AudioFile != "" {
		return &call.FileSource{VideoFile: cfg.VideoFile, AudioFile: cfg.AudioFile, Logger: logger}
	}
	return &call.DeviceSource{Logger: logger}
}
