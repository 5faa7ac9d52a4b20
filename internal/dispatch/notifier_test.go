package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/tripwire/internal/cache"
	"github.com/opensource-finance/tripwire/internal/domain"
)

func testNotification(webhook string) *Notification {
	return &Notification{
		Alert: &domain.Alert{
			ID:        "alrt_1",
			AccountID: "acct_1",
			Type:      domain.AlertBankSwap,
			Severity:  domain.SeverityHigh,
			Message:   "Payout of 1,200.00 USD sent 12 minutes after a new external account was added",
			PayoutID:  "po_1",
			RiskScore: 80,
		},
		Account: &domain.Account{
			ID:   "acct_1",
			Name: "Corner Shop",
			Channels: domain.ChannelPreferences{
				Email: domain.EmailPreference{Enabled: true, Address: "ops@example.com"},
				Chat:  domain.ChatPreference{Enabled: true, WebhookURL: webhook},
			},
		},
	}
}

func TestEmailNotifier(t *testing.T) {
	var got emailRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewEmailNotifier(domain.EmailConfig{Endpoint: server.URL, APIKey: "key_123", From: "alerts@example.com"})
	if err := n.Send(context.Background(), testNotification("")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if auth != "Bearer key_123" {
		t.Errorf("expected bearer auth, got %q", auth)
	}
	if got.To != "ops@example.com" || got.From != "alerts@example.com" {
		t.Errorf("unexpected addressing %+v", got)
	}
	if !strings.Contains(got.Subject, "HIGH bank-swap") || !strings.Contains(got.Subject, "Corner Shop") {
		t.Errorf("unexpected subject %q", got.Subject)
	}
	if !strings.Contains(got.Text, "1,200.00 USD") || !strings.Contains(got.Text, "Risk score: 80/100") {
		t.Errorf("unexpected body %q", got.Text)
	}

	t.Run("NoEndpoint", func(t *testing.T) {
		if err := NewEmailNotifier(domain.EmailConfig{}).Send(context.Background(), testNotification("")); err == nil {
			t.Error("expected error without endpoint")
		}
	})
}

func TestChatNotifier(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got chatMessage
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		n := NewChatNotifier(domain.ChatConfig{})
		if err := n.Send(context.Background(), testNotification(server.URL)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if len(got.Attachments) != 1 || got.Attachments[0].Title != "bank-swap" {
			t.Errorf("unexpected payload %+v", got)
		}
		if got.Attachments[0].Color != "#d32f2f" {
			t.Errorf("expected high severity color, got %s", got.Attachments[0].Color)
		}
	})

	t.Run("Non2xxIsFailure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "channel_not_found", http.StatusNotFound)
		}))
		defer server.Close()

		err := NewChatNotifier(domain.ChatConfig{}).Send(context.Background(), testNotification(server.URL))
		if err == nil || !strings.Contains(err.Error(), "404") {
			t.Errorf("expected 404 error, got %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		n := NewChatNotifier(domain.ChatConfig{Timeout: 20 * time.Millisecond})
		if err := n.Send(context.Background(), testNotification(server.URL)); err == nil {
			t.Error("expected timeout error")
		}
	})
}

func TestCacheLimiter(t *testing.T) {
	ctx := context.Background()
	lim := NewCacheLimiter(cache.NewLRUCache(100), 80*time.Millisecond)

	start := time.Now()
	if err := lim.Wait(ctx, "acct_1", domain.ChannelEmail); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Error("expected first send to pass immediately")
	}

	t.Run("OtherChannelIndependent", func(t *testing.T) {
		start := time.Now()
		lim.Wait(ctx, "acct_1", domain.ChannelChat)
		if time.Since(start) > 40*time.Millisecond {
			t.Error("expected chat slot to be independent of email")
		}
	})

	t.Run("OtherAccountIndependent", func(t *testing.T) {
		start := time.Now()
		lim.Wait(ctx, "acct_2", domain.ChannelEmail)
		if time.Since(start) > 40*time.Millisecond {
			t.Error("expected accounts to be independent")
		}
	})

	t.Run("SecondSendDelayed", func(t *testing.T) {
		lim.Wait(ctx, "acct_3", domain.ChannelEmail)
		start := time.Now()
		if err := lim.Wait(ctx, "acct_3", domain.ChannelEmail); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if time.Since(start) < 60*time.Millisecond {
			t.Errorf("expected second send to be delayed, waited %v", time.Since(start))
		}
	})

	t.Run("CancelledWait", func(t *testing.T) {
		lim.Wait(ctx, "acct_4", domain.ChannelEmail)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := lim.Wait(cctx, "acct_4", domain.ChannelEmail); err == nil {
			t.Error("expected context error")
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		off := NewCacheLimiter(cache.NewLRUCache(10), 0)
		for i := 0; i < 3; i++ {
			if err := off.Wait(ctx, "acct_1", domain.ChannelEmail); err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
		}
	})
}
