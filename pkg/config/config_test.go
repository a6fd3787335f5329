package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rolegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "@every 5m", cfg.Sweeper.Schedule)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite3
  dsn: file:rolegate.db
sweeper:
  schedule: "*/10 * * * *"
  batch_size: 50
cache:
  enabled: true
  ttl: 30s
  redis_url: redis://localhost:6379/0
observability:
  log_format: text
`)
	t.Setenv(FileEnv, path)
	t.Setenv("ROLEGATE_SWEEPER_BATCH_SIZE", "75")
	t.Setenv("ROLEGATE_OBSERVABILITY_LOG_LEVEL", "debug")
	t.Setenv("ROLEGATE_SERVER_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "file:rolegate.db", cfg.Database.DSN)
	assert.Equal(t, "*/10 * * * *", cfg.Sweeper.Schedule)
	assert.Equal(t, 75, cfg.Sweeper.BatchSize, "environment wins over the file")
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 10000, cfg.Cache.Size)
}

func TestLoad_ExplicitPathWinsOverEnv(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	path := writeConfig(t, "server:\n  addr: 127.0.0.1:9000\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "unknown key", file: "database:\n  hostname: db\n", want: "hostname"},
		{name: "bad yaml", file: "database: [\n", want: "parse"},
		{name: "bad driver", env: map[string]string{"ROLEGATE_DATABASE_DRIVER": "mysql"}, want: "Database.Driver"},
		{name: "bad schedule", env: map[string]string{"ROLEGATE_SWEEPER_SCHEDULE": "sometimes"}, want: "Sweeper.Schedule"},
		{name: "bad batch", env: map[string]string{"ROLEGATE_SWEEPER_BATCH_SIZE": "0"}, want: "Sweeper.BatchSize"},
		{name: "bad int", env: map[string]string{"ROLEGATE_CACHE_SIZE": "lots"}, want: "environment"},
		{name: "bad log level", env: map[string]string{"ROLEGATE_OBSERVABILITY_LOG_LEVEL": "loud"}, want: "Observability.LogLevel"},
		{name: "bad redis url", env: map[string]string{"ROLEGATE_CACHE_REDIS_URL": "not a url"}, want: "Cache.RedisURL"},
		{name: "otel without endpoint", file: "observability:\n  otel:\n    enabled: true\n    endpoint: \"\"\n", want: "endpoint is required"},
		{name: "bad otel endpoint", env: map[string]string{"ROLEGATE_OBSERVABILITY_OTEL_ENDPOINT": "collector"}, want: "Observability.OTel.Endpoint"},
		{name: "otel without service name", file: "observability:\n  otel:\n    service_name: \"\"\n", want: "Observability.OTel.ServiceName"},
		{name: "watch without path", env: map[string]string{"ROLEGATE_CATALOG_WATCH": "true"}, want: "catalog path"},
		{name: "idle above open", env: map[string]string{"ROLEGATE_DATABASE_MAX_OPEN_CONNS": "2", "ROLEGATE_DATABASE_MAX_IDLE_CONNS": "4"}, want: "idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(FileEnv, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_OTel(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("ROLEGATE_OBSERVABILITY_OTEL_ENABLED", "true")
	t.Setenv("ROLEGATE_OBSERVABILITY_OTEL_ENDPOINT", "otel-collector:4317")
	t.Setenv("ROLEGATE_OBSERVABILITY_OTEL_SERVICE_VERSION", "2.0.0")
	t.Setenv("ROLEGATE_OBSERVABILITY_OTEL_INSECURE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	otel := cfg.Observability.OTel
	assert.True(t, otel.Enabled)
	assert.Equal(t, "otel-collector:4317", otel.Endpoint)
	assert.Equal(t, "rolegate", otel.ServiceName)
	assert.Equal(t, "2.0.0", otel.ServiceVersion)
	assert.False(t, otel.Insecure)
	assert.False(t, Default().Observability.OTel.Enabled, "export is opt-in")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
