// Package config loads the settings of the tune binary from an optional
// YAML file, then from TUNE_* environment variables. Command-line flags are
// applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

const (
	DefaultRingSize   = 1 << 16
	DefaultQUICAddr   = "127.0.0.1:4450"
	DefaultSRTLatency = 120 * time.Millisecond
	DefaultRTPMTU     = 1200

	// MinRingSize holds the largest ADTS frame, the biggest of the framed
	// formats, plus the lookahead header.
	MinRingSize = 1 << 14
)

// Config holds the settings of the tune binary.
type Config struct {
	// Output is where relay writes: a file path, or empty to send over
	// QUIC.
	Output string `yaml:"output,omitempty"`

	// RingSize is the size of the parser and decoder ring buffers, a
	// power of two.
	RingSize int `yaml:"ring_size,omitempty"`

	QUIC QUIC `yaml:"quic,omitempty"`
	SRT  SRT  `yaml:"srt,omitempty"`
	RTP  RTP  `yaml:"rtp,omitempty"`
}

// QUIC configures the relay connection.
type QUIC struct {
	Addr string `yaml:"addr,omitempty"`

	// Fingerprint pins the relay certificate (SHA-256, hex). Empty accepts
	// any certificate.
	Fingerprint string `yaml:"fingerprint,omitempty"`

	StreamKey string `yaml:"stream_key,omitempty"`
}

// SRT configures SRT inputs.
type SRT struct {
	// Latency is a Go duration string such as "120ms".
	Latency   string `yaml:"latency,omitempty"`
	StreamKey string `yaml:"stream_key,omitempty"`
}

// RTP configures RTP packetization.
type RTP struct {
	MTU  int    `yaml:"mtu,omitempty"`
	SSRC uint32 `yaml:"ssrc,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		RingSize: DefaultRingSize,
		QUIC:     QUIC{Addr: DefaultQUICAddr},
		SRT:      SRT{Latency: DefaultSRTLatency.String()},
		RTP:      RTP{MTU: DefaultRTPMTU},
	}
}

// Load reads the YAML file at path over the defaults, when path is not
// empty, and then applies environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TUNE_OUTPUT, TUNE_RING_SIZE,
// TUNE_QUIC_ADDR and TUNE_SRT_LATENCY.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	envOr := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	c.Output = envOr("TUNE_OUTPUT", c.Output)
	c.QUIC.Addr = envOr("TUNE_QUIC_ADDR", c.QUIC.Addr)
	c.SRT.Latency = envOr("TUNE_SRT_LATENCY", c.SRT.Latency)
	if v := envOr("TUNE_RING_SIZE", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: TUNE_RING_SIZE %q: %v", ErrInvalid, v, err)
		}
		c.RingSize = n
	}
	return nil
}

// SRTLatency returns the parsed SRT latency.
func (c *Config) SRTLatency() time.Duration {
	d, err := time.ParseDuration(c.SRT.Latency)
	if err != nil || d <= 0 {
		return DefaultSRTLatency
	}
	return d
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.RingSize < MinRingSize || c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: ring size %d must be a power of two of at least %d", ErrInvalid, c.RingSize, MinRingSize)
	}
	if c.SRT.Latency != "" {
		d, err := time.ParseDuration(c.SRT.Latency)
		if err != nil {
			return fmt.Errorf("%w: srt latency %q: %v", ErrInvalid, c.SRT.Latency, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: negative srt latency %s", ErrInvalid, d)
		}
	}
	if c.RTP.MTU != 0 && c.RTP.MTU < 64 {
		return fmt.Errorf("%w: rtp mtu %d", ErrInvalid, c.RTP.MTU)
	}
	return nil
}

// Marshal renders the settings as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
