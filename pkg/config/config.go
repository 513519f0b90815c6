package config

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	P2P             P2PConfig             `yaml:"p2p,omitempty"`
	Audio           AudioConfig           `yaml:"audio,omitempty"`
	Video           VideoConfig           `yaml:"video,omitempty"`
	Channel         ChannelConfig         `yaml:"channel,omitempty"`
	StreamingStatus StreamingStatusConfig `yaml:"streaming_status,omitempty"`
	Logging         LoggingConfig         `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type P2PConfig struct {
	Enabled bool `yaml:"enabled"`
	// how long to keep a direct session after the peer count stops being
	// exactly one, to ride out page reloads
	BackToRelayDelay time.Duration `yaml:"back_to_relay_delay,omitempty"`
	// max receive height assumed for direct sessions (no bandwidth
	// allocation signal exists point-to-point)
	MaxHeight int `yaml:"max_height,omitempty"`
}

type AudioConfig struct {
	Stereo bool `yaml:"stereo,omitempty"`
	// target bitrate for the audio codec, bps; 0 leaves the codec default
	MaxAverageBitrate int `yaml:"max_average_bitrate,omitempty"`
}

type VideoConfig struct {
	PreferredCodec string   `yaml:"preferred_codec,omitempty"`
	DisabledCodecs []string `yaml:"disabled_codecs,omitempty"`
	RTXEnabled     bool     `yaml:"rtx_enabled"`
	Simulcast      bool     `yaml:"simulcast"`
	// screen share defaults to a single encoding
	DesktopSimulcast bool `yaml:"desktop_simulcast,omitempty"`
	// bps cap for single-encoding screen share
	DesktopBitrate int `yaml:"desktop_bitrate,omitempty"`
	// bps per simulcast tier, lowest first
	LayerBitrates []int `yaml:"layer_bitrates,omitempty"`
}

type ChannelConfig struct {
	RetryLimit      int           `yaml:"retry_limit,omitempty"`
	RetryBackoff    time.Duration `yaml:"retry_backoff,omitempty"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay,omitempty"`
	DataChannelID   uint16        `yaml:"data_channel_id,omitempty"`
	PreferWebsocket bool          `yaml:"prefer_websocket,omitempty"`
}

type StreamingStatusConfig struct {
	RestoringTimeout time.Duration `yaml:"restoring_timeout,omitempty"`
	// rtc mute to interrupted, while in the forwarded set
	RtcMuteTimeout time.Duration `yaml:"rtc_mute_timeout,omitempty"`
	// shorter variant used when the source is out of the forwarded set
	OutOfForwardedSetRtcMuteTimeout time.Duration `yaml:"out_of_forwarded_set_rtc_mute_timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		P2P: P2PConfig{
			Enabled:          true,
			BackToRelayDelay: 5 * time.Second,
			MaxHeight:        2160,
		},
		Audio: AudioConfig{
			Stereo:            false,
			MaxAverageBitrate: 0,
		},
		Video: VideoConfig{
			PreferredCodec:   "vp8",
			RTXEnabled:       true,
			Simulcast:        true,
			DesktopSimulcast: false,
			DesktopBitrate:   500_000,
			LayerBitrates:    []int{200_000, 700_000, 2_500_000},
		},
		Channel: ChannelConfig{
			RetryLimit:    5,
			RetryBackoff:  time.Second,
			MaxRetryDelay: 30 * time.Second,
			DataChannelID: 4,
		},
		StreamingStatus: StreamingStatusConfig{
			RestoringTimeout:                10 * time.Second,
			RtcMuteTimeout:                  10 * time.Second,
			OutOfForwardedSetRtcMuteTimeout: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// NewConfig parses YAML on top of the defaults. Unknown fields are an error.
func NewConfig(confString string) (*Config, error) {
	conf := DefaultConfig()
	if confString != "" {
		decoder := yaml.NewDecoder(bytes.NewReader([]byte(confString)))
		decoder.KnownFields(true)
		if err := decoder.Decode(conf); err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if len(c.Video.LayerBitrates) == 0 {
		return errors.Wrap(ErrInvalidConfig, "video.layer_bitrates must not be empty")
	}
	if c.Channel.RetryLimit < 0 {
		return errors.Wrap(ErrInvalidConfig, "channel.retry_limit must not be negative")
	}
	if c.P2P.BackToRelayDelay < 0 {
		return errors.Wrap(ErrInvalidConfig, "p2p.back_to_relay_delay must not be negative")
	}
	return nil
}
