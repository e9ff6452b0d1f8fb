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
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// RedisConfig holds the shared Redis deployment settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces every key this deployment touches.
	Prefix string `yaml:"prefix"`
}

// StorageConfig selects and tunes the snapshot backend.
type StorageConfig struct {
	// Backend is one of "memory", "pebble", "s3".
	Backend string       `yaml:"backend"`
	Pebble  PebbleConfig `yaml:"pebble"`
	S3      S3Config     `yaml:"s3"`
}

// PebbleConfig holds the embedded store settings.
type PebbleConfig struct {
	Path string `yaml:"path"`
}

// S3Config holds object-store settings (AWS or minio-compatible).
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// WorkerConfig tunes the compaction worker.
type WorkerConfig struct {
	Debounce           Duration `yaml:"debounce"`
	ClaimCount         int64    `yaml:"claim_count"`
	IdleSleep          Duration `yaml:"idle_sleep"`
	MinMessageLifetime Duration `yaml:"min_message_lifetime"`
	RatePerSecond      float64  `yaml:"rate_per_second"`
}

// SweepConfig tunes the scheduled re-enqueue sweep.
type SweepConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// ServerConfig holds the admin/metrics HTTP listeners.
type ServerConfig struct {
	// Addr serves /healthz, /metrics and the admin trigger.
	Addr string `yaml:"addr"`
	// HealthAddr, when set, serves a bare health probe on fasthttp.
	HealthAddr string `yaml:"health_addr"`
	// MaxBody bounds admin request bodies.
	MaxBody SizeBytes `yaml:"max_body"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
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

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
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
