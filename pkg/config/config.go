package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stream names accepted by the server. Order is the startup wiring order.
var KnownStreams = []string{"beacon", "witness", "heartbeat", "speedtest"}

// Load reads and parses the YAML config file at path. A missing file is
// not an error; defaults and env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays REPORTD_* environment variables onto cfg. Env wins
// over file values; flags (applied by the caller afterwards) win over env.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("REPORTD_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REPORTD_NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := os.Getenv("REPORTD_BASE_PATH"); v != "" {
		cfg.Ingest.BasePath = v
	}
	if v := os.Getenv("REPORTD_API_TOKEN"); v != "" {
		cfg.Security.APIToken = v
	}
	if v := os.Getenv("REPORTD_UPLOAD_BUCKET"); v != "" {
		cfg.Upload.Bucket = v
	}
	if v := os.Getenv("REPORTD_UPLOAD_REGION"); v != "" {
		cfg.Upload.Region = v
	}
	if v := os.Getenv("REPORTD_UPLOAD_ENDPOINT"); v != "" {
		cfg.Upload.Endpoint = v
	}
	if v := os.Getenv("REPORTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REPORTD_CHANNEL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ingest.ChannelCapacity = n
		}
	}
}

// ApplyDefaults fills unset fields with canonical defaults. Callers should
// run this after Load/ApplyEnv so later stages can rely on non-zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.Ingest.BasePath == "" {
		cfg.Ingest.BasePath = "./.reports"
	}
	if cfg.Ingest.ChannelCapacity <= 0 {
		cfg.Ingest.ChannelCapacity = 50
	}
	if cfg.Ingest.RollInterval.Duration() <= 0 {
		cfg.Ingest.RollInterval = Duration(5 * time.Minute)
	}
	if cfg.Ingest.RollMaxSize.Int64() <= 0 {
		cfg.Ingest.RollMaxSize = SizeBytes(64 * 1024 * 1024)
	}
	if cfg.Upload.PollInterval.Duration() <= 0 {
		cfg.Upload.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Upload.MaxAttempts <= 0 {
		cfg.Upload.MaxAttempts = 5
	}
	if cfg.Upload.BackoffBase.Duration() <= 0 {
		cfg.Upload.BackoffBase = Duration(500 * time.Millisecond)
	}
	if cfg.Upload.BackoffCap.Duration() <= 0 {
		cfg.Upload.BackoffCap = Duration(30 * time.Second)
	}
	if cfg.Upload.Concurrency <= 0 {
		cfg.Upload.Concurrency = 4
	}
	if cfg.Janitor.Cron == "" {
		cfg.Janitor.Cron = "*/30 * * * *"
	}
	if cfg.Janitor.MaxAge.Duration() <= 0 {
		cfg.Janitor.MaxAge = Duration(24 * time.Hour)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configs the server cannot start with.
func Validate(cfg *Config) error {
	switch cfg.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("invalid network %q (want mainnet or testnet)", cfg.Network)
	}
	for _, s := range cfg.Ingest.Streams {
		if !isKnownStream(s.Name) {
			return fmt.Errorf("unknown stream %q in ingest.streams", s.Name)
		}
	}
	if !cfg.Upload.Disabled && cfg.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required unless upload.disabled is set")
	}
	return nil
}

// Stream returns the effective per-stream settings for name.
func (c *Config) Stream(name string) StreamConfig {
	for _, s := range c.Ingest.Streams {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return StreamConfig{Name: name}
}

// EnabledStreams lists the streams the server should open sinks for.
func (c *Config) EnabledStreams() []string {
	var out []string
	for _, name := range KnownStreams {
		if !c.Stream(name).Disabled {
			out = append(out, name)
		}
	}
	return out
}

func isKnownStream(name string) bool {
	for _, s := range KnownStreams {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
