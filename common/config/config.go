// Package config loads the audit daemon configuration from YAML and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueRedis     = "redis"
	QueueBadger    = "badger"
	QueueJetStream = "jetstream"
)

// Config is the root configuration.
type Config struct {
	Audit     AuditConfig     `mapstructure:"audit"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

// AuditConfig holds pipeline settings.
type AuditConfig struct {
	// NodeID is the log id node; -1 leases one from the queue backend.
	NodeID          int64         `mapstructure:"node_id" validate:"min=-1,max=1023"`
	FlushInterval   time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	KeyPrefix       string        `mapstructure:"key_prefix" validate:"required"`
	SigningSecret   string        `mapstructure:"signing_secret"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// QueueConfig selects and configures the durable queue.
type QueueConfig struct {
	Backend string       `mapstructure:"backend" validate:"oneof=redis badger jetstream"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Badger  BadgerConfig `mapstructure:"badger"`
	NATS    NATSConfig   `mapstructure:"nats"`
}

// RedisConfig holds Redis connection settings. The rate limiter uses the
// same instance regardless of the queue backend.
type RedisConfig struct {
	URL        string `mapstructure:"url" validate:"required"`
	MaxRetries int    `mapstructure:"max_retries" validate:"min=0"`
	PoolSize   int    `mapstructure:"pool_size" validate:"min=0"`
}

// BadgerConfig holds the embedded store settings.
type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// NATSConfig holds NATS JetStream settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `mapstructure:"type" validate:"oneof=postgres memory"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=0,max=65535"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ServerConfig holds the operational HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=0,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit" validate:"required_if=Enabled true,min=0"`
	Window  time.Duration `mapstructure:"window" validate:"required_if=Enabled true"`
}

// BreakerConfig configures the storage circuit breaker.
type BreakerConfig struct {
	Failures    uint32        `mapstructure:"failures" validate:"min=1"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

// DefaultPath returns $TELHAWK_CONFIG_DIR/config.yaml, falling back to
// /etc/telhawk.
func DefaultPath() string {
	dir := os.Getenv("TELHAWK_CONFIG_DIR")
	if dir == "" {
		dir = "/etc/telhawk"
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads the YAML file at path (DefaultPath when empty) and applies
// environment overrides, e.g. AUDIT_FLUSH_INTERVAL for audit.flush_interval.
// A missing file is not an error. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the backend specific settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Queue.Backend {
	case QueueBadger:
		if c.Queue.Badger.Path == "" {
			return errors.New("invalid config: queue.badger.path is required for the badger backend")
		}
	case QueueJetStream:
		if c.Queue.NATS.URL == "" {
			return errors.New("invalid config: queue.nats.url is required for the jetstream backend")
		}
	}
	if c.Database.Type == "postgres" && (c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "") {
		return errors.New("invalid config: database.postgres host and database are required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("audit.node_id", -1)
	v.SetDefault("audit.flush_interval", "5s")
	v.SetDefault("audit.flush_timeout", "30s")
	v.SetDefault("audit.shutdown_timeout", "30s")
	v.SetDefault("audit.key_prefix", "telhawk")
	v.SetDefault("audit.signing_secret", "")
	v.SetDefault("audit.migrations_path", "audit/migrations")

	v.SetDefault("queue.backend", QueueRedis)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.max_retries", 3)
	v.SetDefault("queue.redis.pool_size", 10)
	v.SetDefault("queue.badger.path", "/var/lib/telhawk/audit-queue")
	v.SetDefault("queue.badger.sync_writes", true)
	v.SetDefault("queue.nats.url", "nats://nats:4222")
	v.SetDefault("queue.nats.max_reconnects", -1)
	v.SetDefault("queue.nats.reconnect_wait", "2s")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk")
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("database.postgres.min_conns", 2)
	v.SetDefault("database.postgres.max_conn_lifetime", "1h")
	v.SetDefault("database.postgres.max_conn_idle_time", "30m")

	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("breaker.failures", 5)
	v.SetDefault("breaker.open_timeout", "30s")
}
