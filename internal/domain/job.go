package domain

import "time"

// JobStatus is the state of a notification job.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobSent   JobStatus = "sent"
	JobFailed JobStatus = "failed"
)

// NotificationJob is one alert delivery to one channel.
// Terminal states are JobSent and JobFailed.
type NotificationJob struct {
	ID            string    `json:"id"`
	AlertID       string    `json:"alertId"`
	AccountID     string    `json:"accountId"`
	Channel       Channel   `json:"channel"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"maxAttempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Status        JobStatus `json:"status"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Endpoint names recorded on dead-letter entries.
const (
	EndpointReactor = "reactor.process"
)

// FailedDispatch is a dead-letter entry for a downstream call that failed
// after the event was verified and buffered. A nil NextAttemptAt means the
// entry is frozen for manual inspection.
type FailedDispatch struct {
	ID            string     `json:"id"`
	EventID       string     `json:"eventId"`
	AccountID     string     `json:"accountId"`
	Endpoint      string     `json:"endpoint"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Frozen reports whether the entry is parked.
func (f *FailedDispatch) Frozen() bool {
	return f.NextAttemptAt == nil
}

// DeadLetterDelay is the wait before replaying an entry that has failed
// retryCount times: 2^retryCount minutes, capped at one hour.
func DeadLetterDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 6 {
		return 60 * time.Minute
	}
	return time.Duration(1<<retryCount) * time.Minute
}
