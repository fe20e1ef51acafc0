package config

import (
	"time"
)

type Config struct {
	Tenant    TenantConfig       `mapstructure:"tenant"`
	Database  DatabaseConnection `mapstructure:"database" validate:"required"`
	External  ExternalConfig     `mapstructure:"external"`
	Sync      SyncConfig         `mapstructure:"sync"`
	Retry     RetryConfig        `mapstructure:"retry"`
	Scheduler SchedulerConfig    `mapstructure:"scheduler"`
	Health    HealthConfig       `mapstructure:"health"`
	Cache     CacheConfig        `mapstructure:"cache"`
	Server    ServerConfig       `mapstructure:"server"`
	Logging   LoggingConfig      `mapstructure:"logging"`
}

type TenantConfig struct {
	ID string `mapstructure:"id"`
}

type DatabaseConnection struct {
	Driver              string `mapstructure:"driver" validate:"oneof=mysql sqlite postgres"`
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	FilePath            string `mapstructure:"file_path"` // For SQLite
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	MaxOpenConns        int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// ExternalConfig describes the pricing platform API. Provider "native" runs
// without an external system; only local edits are possible then.
type ExternalConfig struct {
	Provider          string        `mapstructure:"provider" validate:"oneof=http native"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after"`
}

type SyncConfig struct {
	EntityTypes []string      `mapstructure:"entity_types" validate:"dive,oneof=category service material equipment"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=1"`
	PageSize    int           `mapstructure:"page_size" validate:"gte=1"`
	MaxPages    int           `mapstructure:"max_pages" validate:"gte=1"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
	// Heartbeat is how often a running job marks itself alive. Recovery only
	// fails active jobs silent for longer than StaleAfter.
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// Realtime enables the binlog change listener (MySQL only).
	Realtime bool `mapstructure:"realtime"`
}

type RetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	FullSchedule        string `mapstructure:"full_schedule"`
	IncrementalSchedule string `mapstructure:"incremental_schedule"`
}

type HealthConfig struct {
	CompletenessThreshold float64       `mapstructure:"completeness_threshold" validate:"gte=0,lte=100"`
	SimilarityThreshold   float64       `mapstructure:"similarity_threshold" validate:"gte=0,lte=1"`
	DuplicateWindow       int           `mapstructure:"duplicate_window" validate:"gte=1"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
}

type CacheConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=memory redis"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	AuthToken       string   `mapstructure:"auth_token"`
	ReadTimeout     string   `mapstructure:"read_timeout"`
	WriteTimeout    string   `mapstructure:"write_timeout"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
	CorsOrigins     []string `mapstructure:"cors_origins"`
	// WriteRateLimit caps mutating requests per minute per client IP.
	WriteRateLimit int `mapstructure:"write_rate_limit"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

func (s ServerConfig) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
