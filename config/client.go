package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ClientConfig configures a call client: where the relay lives, how the peer
// connection reaches the network and where local media comes from.
type ClientConfig struct {
	RelayURL    string   `yaml:"relay_url"`
	Token       string   `yaml:"token"`
	Environment string   `yaml:"environment"`
	LogLevel    string   `yaml:"log_level"`
	STUNServers []string `yaml:"stun_servers"`

	ICE       ICETimeouts     `yaml:"ice"`
	Reconnect ReconnectPolicy `yaml:"reconnect"`

	RingTimeout     time.Duration `yaml:"ring_timeout"`
	PreAcquireMedia bool          `yaml:"pre_acquire_media"`

	VideoFile string `yaml:"video_file"`
	AudioFile string `yaml:"audio_file"`
}

// ICETimeouts maps onto webrtc.SettingEngine.SetICETimeouts.
type ICETimeouts struct {
	Disconnected time.Duration `yaml:"disconnected"`
	Failed       time.Duration `yaml:"failed"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
}

// ReconnectPolicy bounds the signaling channel's exponential backoff.
type ReconnectPolicy struct {
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultClient returns the client configuration derived from the environment.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		RelayURL:    getEnv("RELAY_URL", "ws://localhost:8080/ws/signal"),
		Token:       getEnv("CALL_TOKEN", ""),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		STUNServers: strings.Split(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302"), ","),
		ICE: ICETimeouts{
			Disconnected: getEnvDuration("ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			Failed:       getEnvDuration("ICE_FAILED_TIMEOUT", 120*time.Second),
			KeepAlive:    getEnvDuration("ICE_KEEPALIVE_INTERVAL", 2*time.Second),
		},
		Reconnect: ReconnectPolicy{
			MinBackoff: getEnvDuration("RECONNECT_MIN_BACKOFF", 500*time.Millisecond),
			MaxBackoff: getEnvDuration("RECONNECT_MAX_BACKOFF", 15*time.Second),
		},
		RingTimeout:     getEnvDuration("RING_TIMEOUT", 45*time.Second),
		PreAcquireMedia: getEnvBool("PRE_ACQUIRE_MEDIA", false),
		VideoFile:       getEnv("VIDEO_FILE", ""),
		AudioFile:       getEnv("AUDIO_FILE", ""),
	}
}

// LoadClient returns DefaultClient overlaid with the YAML file at path.
// An empty path skips the file.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read client config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse client config %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	if c.Reconnect.MinBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.MinBackoff {
		return errors.Errorf("invalid reconnect backoff %s..%s", c.Reconnect.MinBackoff, c.Reconnect.MaxBackoff)
	}
	if c.RingTimeout < 0 {
		return errors.New("ring_timeout must not be negative")
	}
	return nil
}
