// Package config loads the Tripwire configuration from an optional YAML
// file and TRIPWIRE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Load builds the configuration. TRIPWIRE_TIER picks the base defaults, the
// file at path (if any) is layered on top, then environment overrides.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("TRIPWIRE_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(content))) == 0 {
			return nil, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("TRIPWIRE_HOST", &cfg.Server.Host)
	if err := num("TRIPWIRE_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	str("TRIPWIRE_WEBHOOK_SECRET", &cfg.Ingest.WebhookSecret)

	str("TRIPWIRE_DB_DRIVER", &cfg.Repository.Driver)
	str("TRIPWIRE_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("TRIPWIRE_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	if err := num("TRIPWIRE_POSTGRES_PORT", &cfg.Repository.PostgresPort); err != nil {
		return err
	}
	str("TRIPWIRE_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("TRIPWIRE_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("TRIPWIRE_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("TRIPWIRE_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("TRIPWIRE_CACHE_TYPE", &cfg.Cache.Type)
	str("TRIPWIRE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("TRIPWIRE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("TRIPWIRE_BUS_TYPE", &cfg.EventBus.Type)
	str("TRIPWIRE_NATS_URL", &cfg.EventBus.NATSUrl)
	str("TRIPWIRE_NATS_TOKEN", &cfg.EventBus.NATSToken)

	if v, ok := os.LookupEnv("TRIPWIRE_REACTOR_MODE"); ok {
		cfg.Reactor.Mode = domain.ReactorMode(v)
	}

	str("TRIPWIRE_EMAIL_ENDPOINT", &cfg.Dispatcher.Email.Endpoint)
	str("TRIPWIRE_EMAIL_API_KEY", &cfg.Dispatcher.Email.APIKey)
	str("TRIPWIRE_EMAIL_FROM", &cfg.Dispatcher.Email.From)

	if v, ok := os.LookupEnv("TRIPWIRE_KAFKA_BROKERS"); ok && v != "" {
		cfg.Ingest.Kafka.Enabled = true
		cfg.Ingest.Kafka.Brokers = strings.Split(v, ",")
	}
	str("TRIPWIRE_KAFKA_TOPIC", &cfg.Ingest.Kafka.Topic)
	str("TRIPWIRE_KAFKA_GROUP", &cfg.Ingest.Kafka.GroupID)

	str("TRIPWIRE_LOG_LEVEL", &cfg.Logging.Level)
	str("TRIPWIRE_LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv("TRIPWIRE_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

func applyDefaults(cfg *domain.Config) {
	if cfg.Ingest.SignatureTolerance <= 0 {
		cfg.Ingest.SignatureTolerance = 5 * time.Minute
	}
	if cfg.Ingest.TriggerWait <= 0 {
		cfg.Ingest.TriggerWait = 500 * time.Millisecond
	}
	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = "tripwire-ingest"
	}
	if cfg.Reactor.Mode == "" {
		cfg.Reactor.Mode = domain.ReactorDirect
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		cfg.Dispatcher.MaxAttempts = 5
	}
	if cfg.Sweeper.MaxRetries <= 0 {
		cfg.Sweeper.MaxRetries = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations no component can run with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return errors.New("repository.sqlitePath required for sqlite")
		}
	case "postgres", "pgx":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			return errors.New("repository.postgresHost and postgresDB required for postgres")
		}
	default:
		return fmt.Errorf("unknown repository driver: %s", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return errors.New("cache.redisAddr required for redis")
		}
	default:
		return fmt.Errorf("unknown cache type: %s", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unknown event bus type: %s", cfg.EventBus.Type)
	}

	switch cfg.Reactor.Mode {
	case domain.ReactorDirect, domain.ReactorBus:
	default:
		return fmt.Errorf("unknown reactor mode: %s", cfg.Reactor.Mode)
	}

	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" {
			return errors.New("ingest.kafka requires brokers and topic")
		}
	}

	if cfg.Dispatcher.BaseDelay < 0 || cfg.Dispatcher.RateInterval < 0 {
		return errors.New("dispatcher durations must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", cfg.Logging.Format)
	}
	return nil
}
