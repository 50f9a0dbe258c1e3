// Package config holds the client configuration. Values come from defaults, an
// optional TOML file, PEERCALL_* environment variables and finally command line
// flags, in that order.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as "30s" in the file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", string(text))
	}
	d.Duration = v

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	User    UserConfig    `toml:"user"`
	Relay   RelayConfig   `toml:"relay"`
	ICE     ICEConfig     `toml:"ice"`
	Call    CallConfig    `toml:"call"`
	Media   MediaConfig   `toml:"media"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	// Mock wires the in-process relay, loopback links and track-less media.
	Mock bool `toml:"mock"`
}

type UserConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

type RelayConfig struct {
	URL              string   `toml:"url"`
	MaxAttempts      int      `toml:"max_attempts"`
	RetryInterval    Duration `toml:"retry_interval"`
	// MaxBackoff caps the pause between background reconnect cycles.
	MaxBackoff       Duration `toml:"max_backoff"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	PingInterval     Duration `toml:"ping_interval"`
}

type ICEConfig struct {
	STUN                []string `toml:"stun"`
	DisconnectedTimeout Duration `toml:"disconnected_timeout"`
	FailedTimeout       Duration `toml:"failed_timeout"`
}

type CallConfig struct {
	RingTimeout    Duration `toml:"ring_timeout"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type MediaConfig struct {
	MaxWidth  int `toml:"max_width"`
	MaxHeight int `toml:"max_height"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set, e.g. "127.0.0.1:9120".
	Addr string `toml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:              "ws://127.0.0.1:8080/ws",
			MaxAttempts:      5,
			RetryInterval:    Duration{2 * time.Second},
			MaxBackoff:       Duration{30 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
			PingInterval:     Duration{30 * time.Second},
		},
		ICE: ICEConfig{
			STUN:                []string{"stun.l.google.com:19302"},
			DisconnectedTimeout: Duration{30 * time.Second},
			FailedTimeout:       Duration{60 * time.Second},
		},
		Call: CallConfig{
			RingTimeout:    Duration{30 * time.Second},
			ConnectTimeout: Duration{30 * time.Second},
		},
		Media: MediaConfig{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults with
// environment overrides applied. The result is not validated: flags may still
// fill in required values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			return nil, errors.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
	}

	applyEnv(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PEERCALL_USER_ID"); v != "" {
		cfg.User.ID = v
	}
	if v := os.Getenv("PEERCALL_DISPLAY_NAME"); v != "" {
		cfg.User.DisplayName = v
	}
	if v := os.Getenv("PEERCALL_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("PEERCALL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.User.ID) == "" {
		return errors.New("user id is required")
	}

	if !c.Mock {
		u, err := url.Parse(c.Relay.URL)
		if err != nil {
			return errors.Wrap(err, "relay url")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Errorf("relay url %q: scheme must be ws or wss", c.Relay.URL)
		}
	}

	if c.Relay.MaxAttempts < 1 {
		return errors.Errorf("relay max_attempts must be at least 1, got %d", c.Relay.MaxAttempts)
	}

	for name, d := range map[string]Duration{
		"relay retry_interval": c.Relay.RetryInterval,
		"relay max_backoff":    c.Relay.MaxBackoff,
		"call ring_timeout":    c.Call.RingTimeout,
		"call connect_timeout": c.Call.ConnectTimeout,
	} {
		if d.Duration <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}

	return nil
}

// DisplayName falls back to the user id.
func (c *Config) DisplayName() string {
	if c.User.DisplayName != "" {
		return c.User.DisplayName
	}

	return c.User.ID
}
