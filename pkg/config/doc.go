// Package config loads rolegate configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// ROLEGATE_* environment variables. The result is validated before use.
//
// # YAML file
//
// The file path is passed to Load or read from ROLEGATE_CONFIG:
//
//	database:
//	  driver: postgres          # postgres, sqlite3
//	  dsn: postgres://localhost/rolegate?sslmode=disable
//	sweeper:
//	  enabled: true
//	  schedule: "@every 5m"
//	  batch_size: 200
//	cache:
//	  enabled: true
//	  ttl: 1m
//	  redis_url: redis://localhost:6379/0
//	catalog:
//	  path: /etc/rolegate/catalog.yaml
//	  watch: true
//
// # Environment
//
// Every field can be overridden by section and field name:
//
//	ROLEGATE_DATABASE_DSN="postgres://db/rolegate"
//	ROLEGATE_SWEEPER_SCHEDULE="*/5 * * * *"
//	ROLEGATE_CACHE_REDIS_URL="redis://cache:6379/0"
//	ROLEGATE_OBSERVABILITY_LOG_LEVEL="debug"
//	ROLEGATE_SERVER_ADDR=":8080"
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Database: %s\n", cfg.Database.Driver)
package config
