package domain

import "time"

// AlertType identifies the rule family that raised an alert.
type AlertType string

const (
	AlertVelocityBreach AlertType = "velocity-breach"
	AlertBankSwap       AlertType = "bank-swap"
	AlertGeoMismatch    AlertType = "geo-mismatch"
	AlertHighRiskReview AlertType = "high-risk-review"
	AlertCustomRule     AlertType = "custom-rule"
)

// Severity is the alert severity.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Channel is a notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// AllChannels lists the channels in a stable order.
var AllChannels = []Channel{ChannelEmail, ChannelChat}

// DeliveryStatus is the per-channel delivery outcome recorded on an alert.
type DeliveryStatus string

const (
	DeliveryPending       DeliveryStatus = "pending"
	DeliveryDelivered     DeliveryStatus = "delivered"
	DeliveryFailed        DeliveryStatus = "failed"
	DeliveryNotConfigured DeliveryStatus = "not_configured"
)

// Alert is a fraud signal raised by the reactor.
type Alert struct {
	ID                string                     `json:"id"`
	AccountID         string                     `json:"accountId"`
	EventID           string                     `json:"eventId"`
	Type              AlertType                  `json:"type"`
	RuleID            string                     `json:"ruleId,omitempty"`
	Severity          Severity                   `json:"severity"`
	Message           string                     `json:"message"`
	PayoutID          string                     `json:"payoutId,omitempty"`
	ExternalAccountID string                     `json:"externalAccountId,omitempty"`
	Resolved          bool                       `json:"resolved"`
	RiskScore         int                        `json:"riskScore"`
	Delivery          map[Channel]DeliveryStatus `json:"delivery"`
	CreatedAt         time.Time                  `json:"createdAt"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	UnresolvedOnly bool
	Limit          int
}

// Verdict is an operator's judgement on an alert.
type Verdict string

const (
	VerdictFalsePositive Verdict = "false_positive"
	VerdictLegit         Verdict = "legit"
)

// Feedback is one reviewer's verdict on one alert. Last write wins.
type Feedback struct {
	AlertID   string    `json:"alertId"`
	AccountID string    `json:"accountId"`
	AlertType AlertType `json:"alertType"`
	Reviewer  string    `json:"reviewer"`
	Verdict   Verdict   `json:"verdict"`
	Comment   string    `json:"comment,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FeedbackStats aggregates verdicts.
type FeedbackStats struct {
	Total          int `json:"total"`
	FalsePositives int `json:"falsePositives"`
}

// Legit returns the number of legit verdicts.
func (s FeedbackStats) Legit() int {
	return s.Total - s.FalsePositives
}

// FalsePositiveRate returns FalsePositives/Total, or 0 with no feedback.
func (s FeedbackStats) FalsePositiveRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.FalsePositives) / float64(s.Total)
}
