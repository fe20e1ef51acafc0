package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PBSYNC"

// LoadConfig reads path (optional), .env and PBSYNC_* environment overrides.
// A missing config file is not an error; defaults and env cover everything.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints. Credentials are checked when a job
// starts, so a partially configured process can still serve local edits.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns a config populated only with defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("tenant.id", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.replication_user", "")
	v.SetDefault("database.replication_password", "")
	v.SetDefault("database.file_path", "pricebook.db")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("external.provider", "http")
	v.SetDefault("external.base_url", "")
	v.SetDefault("external.api_key", "")
	v.SetDefault("external.timeout", 30*time.Second)
	v.SetDefault("external.requests_per_second", 5.0)
	v.SetDefault("external.burst", 5)
	v.SetDefault("external.default_retry_after", 60*time.Second)

	v.SetDefault("sync.entity_types", []string{"category", "service", "material", "equipment"})
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 64)
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.max_pages", 200)
	v.SetDefault("sync.run_timeout", 2*time.Hour)
	v.SetDefault("sync.push_timeout", 15*time.Second)
	v.SetDefault("sync.heartbeat", 30*time.Second)
	v.SetDefault("sync.stale_after", 2*time.Minute)
	v.SetDefault("sync.realtime", false)

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.interval", 30*time.Second)
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_backoff", 30*time.Second)
	v.SetDefault("retry.max_backoff", time.Hour)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.full_schedule", "0 3 * * *")
	v.SetDefault("scheduler.incremental_schedule", "@every 15m")

	v.SetDefault("health.completeness_threshold", 60.0)
	v.SetDefault("health.similarity_threshold", 0.85)
	v.SetDefault("health.duplicate_window", 3)
	v.SetDefault("health.cache_ttl", 30*time.Second)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.prefix", "pbsync:")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.write_rate_limit", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
