package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ROLEGATE_DATABASE_DSN
const EnvPrefix = "ROLEGATE"

// FileEnv names the environment variable holding the optional YAML config path
const FileEnv = "ROLEGATE_CONFIG"

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database" envconfig:"DATABASE"`
	Sweeper       SweeperConfig       `yaml:"sweeper" envconfig:"SWEEPER"`
	Cache         CacheConfig         `yaml:"cache" envconfig:"CACHE"`
	Catalog       CatalogConfig       `yaml:"catalog" envconfig:"CATALOG"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
	Server        ServerConfig        `yaml:"server" envconfig:"SERVER"`
}

// DatabaseConfig selects the store backing roles, assignments and the audit log
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" split_words:"true" validate:"oneof=postgres sqlite3"`
	DSN             string        `yaml:"dsn" split_words:"true" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" split_words:"true"`
}

// SweeperConfig controls the periodic expiration sweep
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled" split_words:"true"`
	Schedule  string        `yaml:"schedule" split_words:"true" validate:"required,cron"`
	BatchSize int           `yaml:"batch_size" split_words:"true" validate:"min=1"`
	Timeout   time.Duration `yaml:"timeout" split_words:"true"`
	// ExpireOnAccess sweeps the caller's own assignments on every request
	ExpireOnAccess bool `yaml:"expire_on_access" split_words:"true"`
}

// CacheConfig controls permission resolution caching
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" split_words:"true"`
	Size    int           `yaml:"size" split_words:"true" validate:"min=1"`
	TTL     time.Duration `yaml:"ttl" split_words:"true"`
	// RedisURL shares invalidation versions between instances. Empty keeps them in memory.
	RedisURL string `yaml:"redis_url" split_words:"true" validate:"omitempty,url"`
	// RedisPrefix namespaces the version keys
	RedisPrefix string `yaml:"redis_prefix" split_words:"true"`
}

// CatalogConfig points at an optional permission/role catalog
type CatalogConfig struct {
	// Path is a YAML catalog. Empty means the built-in catalog.
	Path string `yaml:"path" split_words:"true"`
	// SeedOnStart applies the catalog when serve starts
	SeedOnStart bool `yaml:"seed_on_start" split_words:"true"`
	// Watch re-applies Path whenever the file changes
	Watch bool `yaml:"watch" split_words:"true"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level" split_words:"true" validate:"oneof=debug info warn warning error"`
	LogFormat      string `yaml:"log_format" split_words:"true" validate:"oneof=json text"`
	MetricsEnabled bool   `yaml:"metrics_enabled" split_words:"true"`

	OTel OTelConfig `yaml:"otel" envconfig:"OTEL"`
}

// OTelConfig configures OpenTelemetry trace and metric export over OTLP/gRPC
type OTelConfig struct {
	Enabled        bool   `yaml:"enabled" split_words:"true"`
	Endpoint       string `yaml:"endpoint" split_words:"true" validate:"omitempty,hostname_port"`
	ServiceName    string `yaml:"service_name" split_words:"true" validate:"required"`
	ServiceVersion string `yaml:"service_version" split_words:"true"`
	Insecure       bool   `yaml:"insecure" split_words:"true"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" split_words:"true" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			DSN:             "postgres://localhost:5432/rolegate?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Sweeper: SweeperConfig{
			Enabled:        true,
			Schedule:       "@every 5m",
			BatchSize:      200,
			Timeout:        2 * time.Minute,
			ExpireOnAccess: true,
		},
		Cache: CacheConfig{
			Enabled:     false,
			Size:        10000,
			TTL:         time.Minute,
			RedisPrefix: "rolegate",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			OTel: OTelConfig{
				Endpoint:       "localhost:4317",
				ServiceName:    "rolegate",
				ServiceVersion: "dev",
				Insecure:       true,
			},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

var validate = validator.New()

func init() {
	validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
}

// Load builds the configuration from defaults, then the YAML file at path (or
// $ROLEGATE_CONFIG when path is empty), then ROLEGATE_* environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	if c.Observability.OTel.Enabled && c.Observability.OTel.Endpoint == "" {
		return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
	}
	if c.Catalog.Watch && c.Catalog.Path == "" {
		return errors.New("catalog watch requires a catalog path")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns && c.Database.MaxOpenConns > 0 {
		return fmt.Errorf("max idle connections (%d) exceeds max open connections (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	return nil
}
