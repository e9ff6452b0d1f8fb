package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror a local single-node deployment.
func defaults() Config {
	var cfg Config
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Prefix = "y"
	cfg.Storage.Backend = "memory"
	cfg.Worker.Debounce = Duration(10 * time.Second)
	cfg.Worker.IdleSleep = Duration(time.Second)
	cfg.Worker.MinMessageLifetime = Duration(time.Minute)
	cfg.Worker.ClaimCount = 5
	cfg.Sweep.Cron = "0 3 * * *"
	cfg.Server.Addr = ":8080"
	cfg.Server.MaxBody = SizeBytes(1 << 20)
	return cfg
}

// Load reads the YAML config at path (optional) and applies env overrides.
// Env wins over file, file wins over defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv merges TLDRAW_* env vars over the loaded file values.
func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Redis.Addr, "TLDRAW_REDIS_ADDR")
	setStr(&cfg.Redis.Username, "TLDRAW_REDIS_USERNAME")
	setStr(&cfg.Redis.Password, "TLDRAW_REDIS_PASSWORD")
	setStr(&cfg.Redis.Prefix, "TLDRAW_REDIS_PREFIX")
	if v := os.Getenv("TLDRAW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	setStr(&cfg.Storage.Backend, "TLDRAW_STORAGE_BACKEND")
	setStr(&cfg.Storage.Pebble.Path, "TLDRAW_PEBBLE_PATH")
	setStr(&cfg.Storage.S3.Bucket, "TLDRAW_S3_BUCKET")
	setStr(&cfg.Storage.S3.Region, "TLDRAW_S3_REGION")
	setStr(&cfg.Storage.S3.Endpoint, "TLDRAW_S3_ENDPOINT")
	setStr(&cfg.Storage.S3.AccessKey, "TLDRAW_S3_ACCESS_KEY")
	setStr(&cfg.Storage.S3.SecretKey, "TLDRAW_S3_SECRET_KEY")
	setStr(&cfg.Server.Addr, "TLDRAW_SERVER_ADDR")
	setStr(&cfg.Server.HealthAddr, "TLDRAW_HEALTH_ADDR")
	setStr(&cfg.Logging.Level, "TLDRAW_LOG_LEVEL")
	setStr(&cfg.Sweep.Cron, "TLDRAW_SWEEP_CRON")
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "memory":
	case "pebble":
		if cfg.Storage.Pebble.Path == "" {
			return fmt.Errorf("storage.pebble.path is required for the pebble backend")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.Prefix == "" {
		return fmt.Errorf("redis.prefix is required")
	}
	return nil
}
