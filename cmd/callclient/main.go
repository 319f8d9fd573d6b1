package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/call"
	"github.com/mossy-p/telecare-signaling/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type options struct {
	configFile string
	relayURL   string
	token      string
	callee     string
	autoAccept bool
	videoFile  string
	audioFile  string
	stun       []string
	hangAfter  time.Duration
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.configFile, "config", "c", os.Getenv("CALLCLIENT_CONFIG"), "YAML client configuration file")
	pflag.StringVarP(&o.relayURL, "relay", "r", "", "Relay websocket URL (overrides config)")
	pflag.StringVarP(&o.token, "token", "t", "", "Relay-issued JWT (overrides config)")
	pflag.StringVar(&o.callee, "call", "", "Identity to call once connected")
	pflag.BoolVar(&o.autoAccept, "auto-accept", false, "Answer incoming calls without asking")
	pflag.StringVar(&o.videoFile, "video", "", "VP8 IVF file used as the camera")
	pflag.StringVar(&o.audioFile, "audio", "", "Opus Ogg file used as the microphone")
	pflag.StringSliceVarP(&o.stun, "stun", "S", nil, "STUN server URLs (overrides config)")
	pflag.DurationVar(&o.hangAfter, "hangup-after", 0, "Hang up this long after the call becomes active")
	pflag.Parse()
	return o
}

// apply overlays the flags that were set on the command line.
func (o options) apply(cfg *config.ClientConfig) {
	flags := pflag.CommandLine
	if flags.Changed("relay") {
		cfg.RelayURL = o.relayURL
	}
	if flags.Changed("token") {
		cfg.Token = o.token
	}
	if flags.Changed("video") {
		cfg.VideoFile = o.videoFile
	}
	if flags.Changed("audio") {
		cfg.AudioFile = o.audioFile
	}
	if flags.Changed("stun") {
		cfg.STUNServers = o.stun
	}
}

func main() {
	opts := parseFlags()

	cfg, err := config.LoadClient(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callclient: %v\n", err)
		os.Exit(2)
	}
	opts.apply(cfg)

	logger := logging.Setup(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity := call.TokenIdentity{Token: cfg.Token}
	id, err := identity.Identity()
	if err != nil {
		log.Fatal().Err(err).Msg("A relay token is required")
	}

	channel := call.NewWSChannel(cfg.RelayURL, identity, cfg.Reconnect, logger)
	defer channel.Close()

	ui := &terminal{callee: opts.callee, autoAccept: opts.autoAccept, hangAfter: opts.hangAfter, log: logger}
	ctrl, err := call.New(call.Options{
		Identity:        identity,
		Channel:         channel,
		Media:           mediaSource(cfg, logger),
		Links:           call.NewPionFactory(cfg, logger),
		Logger:          logger,
		Callbacks:       ui.callbacks(),
		RingTimeout:     cfg.RingTimeout,
		PreAcquireMedia: cfg.PreAcquireMedia,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create call controller")
	}
	ui.ctrl = ctrl

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start call controller")
	}
	defer ctrl.Stop()

	go func() {
		if err := channel.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Signaling stopped")
			stop()
		}
	}()
	go ui.readCommands(ctx, os.Stdin, stop)

	log.Info().Str("identity", id.ID).Str("relay", cfg.RelayURL).Msg("Call client running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

// terminal drives the controller from stdin and logs what happens.
type terminal struct {
	ctrl       *call.Controller
	callee     string
	autoAccept bool
	hangAfter  time.Duration
	log        zerolog.Logger

	dialOnce sync.Once
}

func (t *terminal) callbacks() call.Callbacks {
	return call.Callbacks{
		OnIncoming: func(s call.Snapshot) {
			t.log.Info().Str("caller", s.RemoteIdentity).Str("name", s.RemoteName).Msg("Incoming call ([a]ccept / [r]eject)")
			if t.autoAccept {
				if err := t.ctrl.Accept(); err != nil {
					t.log.Error().Err(err).Msg("Accept failed")
				}
			}
		},
		OnStateChange: func(s call.Snapshot) {
			t.log.Info().Str("state", string(s.State)).Str("room", s.RoomName).Str("remote", s.RemoteIdentity).Msg("Call state")
			if s.State == call.StateActive && t.hangAfter > 0 {
				time.AfterFunc(t.hangAfter, func() { _ = t.ctrl.HangUp() })
			}
			if s.State.Terminal() && !s.ConnectedAt.IsZero() {
				t.log.Info().Dur("duration", s.Duration(time.Now())).Msg("Call finished")
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go t.consume(track)
		},
		OnError: func(err error) {
			t.log.Warn().Err(err).Msg("Call failed")
		},
		OnChannelState: func(connected bool) {
			t.log.Info().Bool("connected", connected).Msg("Signaling")
			if connected && t.callee != "" {
				t.dialOnce.Do(func() {
					if err := t.ctrl.Dial(t.callee); err != nil {
						t.log.Error().Err(err).Msg("Dial failed")
					}
				})
			}
		},
	}
}

// consume drains a remote track and reports how much media arrived.
func (t *terminal) consume(track *webrtc.TrackRemote) {
	logger := t.log.With().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Logger()
	logger.Info().Msg("Receiving remote track")

	var packets, bytes int
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			logger.Info().Int("packets", packets).Int("bytes", bytes).Msg("Remote track ended")
			return
		}
		packets++
		bytes += n
	}
}

func (t *terminal) readCommands(ctx context.Context, in io.Reader, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "c", "call":
			if len(fields) < 2 {
				t.log.Warn().Msg("usage: call <identity>")
				continue
			}
			err = t.ctrl.Dial(fields[1])
		case "a", "accept":
			err = t.ctrl.Accept()
		case "r", "reject":
			err = t.ctrl.Reject()
		case "h", "hangup":
			err = t.ctrl.HangUp()
		case "m", "mute":
			var on bool
			on, err = t.ctrl.ToggleAudio()
			t.log.Info().Bool("audio", on).Msg("Microphone")
		case "v", "video":
			var on bool
			on, err = t.ctrl.ToggleVideo()
			t.log.Info().Bool("video", on).Msg("Camera")
		case "s", "status":
			s := t.ctrl.Snapshot()
			t.log.Info().Str("state", string(s.State)).Str("room", s.RoomName).Str("remote", s.RemoteIdentity).
				Bool("audio", s.AudioEnabled).Bool("video", s.VideoEnabled).Msg("Status")
		case "q", "quit":
			quit()
			return
		default:
			t.log.Warn().Str("command", fields[0]).Msg("Unknown command")
		}
		if err != nil {
			t.log.Error().Err(err).Str("command", fields[0]).Msg("Command failed")
		}
	}
}
