package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Network  string         `yaml:"network"` // mainnet | testnet
	Ingest   IngestConfig   `yaml:"ingest"`
	Upload   UploadConfig   `yaml:"upload"`
	Security SecurityConfig `yaml:"security"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IngestConfig holds sink buffering and rotation settings.
type IngestConfig struct {
	BasePath        string         `yaml:"base_path"`
	ChannelCapacity int            `yaml:"channel_capacity"`
	RollInterval    Duration       `yaml:"roll_interval"`
	RollMaxSize     SizeBytes      `yaml:"roll_max_size"`
	Streams         []StreamConfig `yaml:"streams"`
}

// StreamConfig overrides behavior for one report stream. Streams not
// listed here run with defaults (enabled, network check on).
type StreamConfig struct {
	Name             string `yaml:"name"`
	Disabled         bool   `yaml:"disabled"`
	SkipNetworkCheck bool   `yaml:"skip_network_check"`
}

// UploadConfig holds remote store settings for the shipper.
type UploadConfig struct {
	Disabled     bool     `yaml:"disabled"`
	Bucket       string   `yaml:"bucket"`
	Region       string   `yaml:"region"`
	Endpoint     string   `yaml:"endpoint"`
	Prefix       string   `yaml:"prefix"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
	BackoffBase  Duration `yaml:"backoff_base"`
	BackoffCap   Duration `yaml:"backoff_cap"`
	Concurrency  int      `yaml:"concurrency"`
}

// SecurityConfig holds the submit-route guards.
type SecurityConfig struct {
	APIToken  string `yaml:"api_token"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// JanitorConfig holds configuration for the stale-file sweeper.
type JanitorConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	MaxAge  Duration `yaml:"max_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
