// Package domain defines the core interfaces and types for Tripwire.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Account-scoped methods require accountID for strict isolation.
type Repository interface {
	// WithTx runs fn inside one transaction. Repository calls made with the
	// context passed to fn join that transaction. Nested calls reuse the
	// outer transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Event buffer
	InsertEvent(ctx context.Context, ev *Event) (inserted bool, err error)
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	ListAccountEvents(ctx context.Context, accountID string, types []EventType, since, until time.Time) ([]*Event, error)
	ScrubEvents(ctx context.Context, receivedBefore time.Time) (int64, error)
	PurgeEvents(ctx context.Context, receivedBefore time.Time) (int64, error)

	// Idempotency guard
	InsertProcessedEvent(ctx context.Context, rec *ProcessedEvent) (inserted bool, err error)
	CompleteProcessedEvent(ctx context.Context, eventID string, durationMs int64, alertsCreated int) error
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)

	// Accounts and rule sets
	SaveAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	SaveRuleSet(ctx context.Context, accountID string, rs *RuleSet) error
	GetRuleSet(ctx context.Context, accountID string) (*RuleSet, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, accountID string, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, accountID string, filter AlertFilter) ([]*Alert, error)
	ResolveAlert(ctx context.Context, accountID string, alertID string) error
	SetDeliveryStatus(ctx context.Context, alertID string, ch Channel, status DeliveryStatus) error

	// Feedback
	UpsertFeedback(ctx context.Context, fb *Feedback) error
	AlertFeedbackStats(ctx context.Context, alertID string) (FeedbackStats, error)
	FeedbackStats(ctx context.Context, accountID string, alertType AlertType) (FeedbackStats, error)
	GlobalFeedbackStats(ctx context.Context) (map[AlertType]FeedbackStats, error)

	// Notification jobs
	EnqueueJob(ctx context.Context, job *NotificationJob) error
	GetJob(ctx context.Context, jobID string) (*NotificationJob, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*NotificationJob, error)
	ListJobsByAlert(ctx context.Context, alertID string) ([]*NotificationJob, error)
	ClaimJob(ctx context.Context, job *NotificationJob, leaseUntil time.Time) (claimed bool, err error)
	UpdateJob(ctx context.Context, job *NotificationJob) error

	// Dead letters
	SaveFailedDispatch(ctx context.Context, rec *FailedDispatch) error
	ListDueFailedDispatches(ctx context.Context, now time.Time, limit int) ([]*FailedDispatch, error)
	ListFailedDispatches(ctx context.Context, limit int) ([]*FailedDispatch, error)
	ClaimFailedDispatch(ctx context.Context, rec *FailedDispatch, leaseUntil time.Time) (claimed bool, err error)
	UpdateFailedDispatch(ctx context.Context, rec *FailedDispatch) error
	DeleteFailedDispatch(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDB" yaml:"postgresDB"`
	PostgresSSLMode  string `json:"postgresSSLMode" yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
