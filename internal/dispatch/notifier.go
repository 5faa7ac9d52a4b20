package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Notification is one alert addressed to one account.
type Notification struct {
	Alert   *domain.Alert
	Account *domain.Account
}

// Notifier delivers a notification on one channel.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// EmailNotifier posts messages to an HTTP email provider.
type EmailNotifier struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// NewEmailNotifier creates an email notifier from provider settings.
func NewEmailNotifier(cfg domain.EmailConfig) *EmailNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.From == "" {
		cfg.From = "alerts@tripwire.local"
	}
	return &EmailNotifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send sends the alert email.
func (e *EmailNotifier) Send(ctx context.Context, n *Notification) error {
	if e.endpoint == "" {
		return fmt.Errorf("email provider endpoint not configured")
	}

	body, err := json.Marshal(emailRequest{
		From:    e.from,
		To:      n.Account.Channels.Email.Address,
		Subject: subject(n),
		Text:    text(n),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	return do(e.client, req)
}

// ChatNotifier posts messages to the account's chat webhook.
type ChatNotifier struct {
	client *http.Client
}

// NewChatNotifier creates a chat webhook notifier.
func NewChatNotifier(cfg domain.ChatConfig) *ChatNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ChatNotifier{client: &http.Client{Timeout: cfg.Timeout}}
}

type chatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatAttachment struct {
	Color  string      `json:"color"`
	Title  string      `json:"title"`
	Text   string      `json:"text"`
	Fields []chatField `json:"fields"`
}

type chatMessage struct {
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments"`
}

// Send posts the alert to the webhook.
func (c *ChatNotifier) Send(ctx context.Context, n *Notification) error {
	a := n.Alert
	msg := chatMessage{
		Text: subject(n),
		Attachments: []chatAttachment{{
			Color: severityColor(a.Severity),
			Title: string(a.Type),
			Text:  a.Message,
			Fields: []chatField{
				{Title: "Severity", Value: string(a.Severity), Short: true},
				{Title: "Risk score", Value: fmt.Sprintf("%d", a.RiskScore), Short: true},
				{Title: "Alert", Value: a.ID, Short: false},
			},
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Account.Channels.Chat.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(c.client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func subject(n *Notification) string {
	name := n.Account.Name
	if name == "" {
		name = n.Account.ID
	}
	return fmt.Sprintf("[Tripwire] %s %s alert for %s", strings.ToUpper(string(n.Alert.Severity)), n.Alert.Type, name)
}

func text(n *Notification) string {
	a := n.Alert
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Risk score: %d/100\n", a.RiskScore)
	if a.PayoutID != "" {
		fmt.Fprintf(&b, "Payout: %s\n", a.PayoutID)
	}
	if a.ExternalAccountID != "" {
		fmt.Fprintf(&b, "External account: %s\n", a.ExternalAccountID)
	}
	fmt.Fprintf(&b, "Alert ID: %s\n", a.ID)
	return b.String()
}

func severityColor(s domain.Severity) string {
	switch s {
	case domain.SeverityHigh:
		return "#d32f2f"
	case domain.SeverityMedium:
		return "#f9a825"
	default:
		return "#757575"
	}
}
