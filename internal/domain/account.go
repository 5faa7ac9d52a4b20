package domain

import "time"

// Account is a monitored tenant account. Accounts are created by the
// admin surface; the pipeline only reads them.
type Account struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Channels  ChannelPreferences `json:"channels"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ChannelPreferences holds per-channel notification settings.
type ChannelPreferences struct {
	Email EmailPreference `json:"email"`
	Chat  ChatPreference  `json:"chat"`
}

// EmailPreference configures alert emails.
type EmailPreference struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// ChatPreference configures the chat webhook.
type ChatPreference struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// Enabled reports whether the channel is switched on and has a destination.
func (p ChannelPreferences) Enabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.Email.Enabled && p.Email.Address != ""
	case ChannelChat:
		return p.Chat.Enabled && p.Chat.WebhookURL != ""
	default:
		return false
	}
}

// EnabledChannels returns the channels that can receive alerts.
func (p ChannelPreferences) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range AllChannels {
		if p.Enabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}
