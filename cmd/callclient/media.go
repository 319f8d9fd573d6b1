//go:build !mediadevices

package main

import (
	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/call"
	"github.com/rs/zerolog"
)

func mediaSource(cfg *config.ClientConfig, logger zerolog.Logger) call.MediaSource {
	return &call.FileSource{VideoFile: cfg.VideoFile, AudioFile: cfg.AudioFile, Logger: logger}
}
