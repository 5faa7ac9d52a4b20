package domain

import "time"

// Config holds the complete Tripwire configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines the default infrastructure stack
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Pipeline stages
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Reactor    ReactorConfig    `json:"reactor" yaml:"reactor"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Sweeper    SweeperConfig    `json:"sweeper" yaml:"sweeper"`
	Retention  RetentionConfig  `json:"retention" yaml:"retention"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// IngestConfig holds webhook ingestion settings.
type IngestConfig struct {
	// WebhookSecret is the shared secret used to sign inbound payloads.
	WebhookSecret string `json:"webhookSecret" yaml:"webhookSecret"`

	// SignatureTolerance bounds the age of a signed timestamp.
	SignatureTolerance time.Duration `json:"signatureTolerance" yaml:"signatureTolerance"`

	// TriggerWait is how long ingestion waits for the reactor result
	// before answering the caller anyway.
	TriggerWait time.Duration `json:"triggerWait" yaml:"triggerWait"`

	// TriggerTimeout bounds the detached reactor call itself.
	TriggerTimeout time.Duration `json:"triggerTimeout" yaml:"triggerTimeout"`

	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig holds settings for the optional Kafka ingestion source.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"groupId" yaml:"groupId"`
}

// ReactorMode selects how ingestion and the sweeper reach the reactor.
type ReactorMode string

const (
	// ReactorDirect runs the reactor in the calling process.
	ReactorDirect ReactorMode = "direct"

	// ReactorBus sends reactor invocations over the event bus to a
	// dedicated reactor worker.
	ReactorBus ReactorMode = "bus"
)

// ReactorConfig holds reactor invocation settings.
type ReactorConfig struct {
	Mode           ReactorMode   `json:"mode" yaml:"mode"`
	RequestTimeout time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// DispatcherConfig holds notification dispatcher settings.
type DispatcherConfig struct {
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
	BatchSize    int           `json:"batchSize" yaml:"batchSize"`
	Concurrency  int           `json:"concurrency" yaml:"concurrency"`
	MaxAttempts  int           `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay    time.Duration `json:"baseDelay" yaml:"baseDelay"`

	// Lease is how long a claimed job stays invisible to other dispatchers.
	Lease time.Duration `json:"lease" yaml:"lease"`

	// RateInterval is the minimum spacing between two sends to the same
	// account and channel.
	RateInterval time.Duration `json:"rateInterval" yaml:"rateInterval"`

	Email EmailConfig `json:"email" yaml:"email"`
	Chat  ChatConfig  `json:"chat" yaml:"chat"`
}

// EmailConfig holds the email provider settings.
type EmailConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"apiKey" yaml:"apiKey"`
	From     string        `json:"from" yaml:"from"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// ChatConfig holds the chat webhook settings.
type ChatConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// SweeperConfig holds dead-letter sweeper settings.
type SweeperConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	BatchSize   int           `json:"batchSize" yaml:"batchSize"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	MaxRetries  int           `json:"maxRetries" yaml:"maxRetries"`
	Lease       time.Duration `json:"lease" yaml:"lease"`
}

// RetentionConfig holds buffered-event retention settings.
type RetentionConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	ScrubAfter time.Duration `json:"scrubAfter" yaml:"scrubAfter"`
	PurgeAfter time.Duration `json:"purgeAfter" yaml:"purgeAfter"`
}

// RiskConfig holds risk scorer settings.
type RiskConfig struct {
	// RefreshInterval controls how often global false-positive rates
	// are recomputed.
	RefreshInterval time.Duration `json:"refreshInterval" yaml:"refreshInterval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-process channels and an LRU cache.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tripwire.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Ingest: IngestConfig{
			SignatureTolerance: 5 * time.Minute,
			TriggerWait:        500 * time.Millisecond,
			TriggerTimeout:     30 * time.Second,
		},
		Reactor: ReactorConfig{
			Mode:           ReactorDirect,
			RequestTimeout: 10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			Concurrency:  8,
			MaxAttempts:  5,
			BaseDelay:    30 * time.Second,
			Lease:        2 * time.Minute,
			RateInterval: time.Second,
			Email:        EmailConfig{Timeout: 10 * time.Second},
			Chat:         ChatConfig{Timeout: 10 * time.Second},
		},
		Sweeper: SweeperConfig{
			Interval:    time.Minute,
			BatchSize:   100,
			Concurrency: 4,
			MaxRetries:  8,
			Lease:       5 * time.Minute,
		},
		Retention: RetentionConfig{
			Enabled:    true,
			Interval:   time.Hour,
			ScrubAfter: 30 * 24 * time.Hour,
			PurgeAfter: 90 * 24 * time.Hour,
		},
		Risk: RiskConfig{
			RefreshInterval: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tripwire",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Reactor.Mode = ReactorBus
	return cfg
}
