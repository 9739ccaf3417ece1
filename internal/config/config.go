package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration read from the environment.
type Config struct {
	AppPort int `env:"APP_PORT" envDefault:"8080"`

	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"qms"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheSize   int           `env:"CACHE_SIZE" envDefault:"10000"`
	CachePrefix string        `env:"CACHE_PREFIX" envDefault:"qms:"`

	AutoMigrate        bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	EnableAuditLogging bool   `env:"AUDIT_LOGGING" envDefault:"true"`
	LogFile            string `env:"LOG_FILE" envDefault:"app.log"`

	OverdueSweepSchedule string        `env:"OVERDUE_SWEEP_SCHEDULE" envDefault:"@every 15m"`
	SweepTimeout         time.Duration `env:"SWEEP_TIMEOUT" envDefault:"1m"`

	FollowUpTaskDuration       time.Duration `env:"FOLLOW_UP_TASK_DURATION" envDefault:"72h"`
	ImplementationTaskDuration time.Duration `env:"IMPLEMENTATION_TASK_DURATION" envDefault:"336h"`
}

// PostgresDSN returns the key/value DSN understood by lib/pq and pgx.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// RedisAddr returns host:port of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// LoadConfig reads .env and .env.local when present, then the process environment.
func LoadConfig() (*Config, error) {
	return Load(".env", ".env.local")
}

// Load reads the given env files that exist, then parses the environment.
func Load(files ...string) (*Config, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", f, err)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("CACHE_TTL must be positive, got %s", cfg.CacheTTL)
	}
	return cfg, nil
}
