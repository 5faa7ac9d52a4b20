package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Builtin returns the built-in rules keyed by the alert type they raise.
func Builtin() map[domain.AlertType]Rule {
	return map[domain.AlertType]Rule{
		domain.AlertVelocityBreach: Velocity,
		domain.AlertBankSwap:       BankSwap,
		domain.AlertGeoMismatch:    GeoMismatch,
		domain.AlertHighRiskReview: HighRiskReview,
	}
}

// Velocity fires when the number of paid payouts in the rolling window,
// the trigger included, is strictly greater than MaxPayouts.
func Velocity(ev *domain.Event, rc *Context) []domain.Alert {
	p := ev.Payout()
	if ev.Type != domain.EventPayoutPaid || p == nil {
		return nil
	}

	rs := rc.RuleSet
	window := time.Duration(rs.VelocityWindowMinutes) * time.Minute
	count := len(rc.window(ev, domain.EventPayoutPaid, ev.OccurredAt.Add(-window), ev.OccurredAt, false))
	if count <= rs.MaxPayouts {
		return nil
	}

	return []domain.Alert{{
		AccountID: rc.AccountID,
		EventID:   ev.ID,
		Type:      domain.AlertVelocityBreach,
		RuleID:    "velocity",
		Severity:  domain.SeverityHigh,
		PayoutID:  p.ID,
		Message: fmt.Sprintf("%d payouts in the last %d minutes exceeds the limit of %d",
			count, rs.VelocityWindowMinutes, rs.MaxPayouts),
	}}
}

// BankSwap fires when a large payout follows a newly added external
// account within the lookback window.
func BankSwap(ev *domain.Event, rc *Context) []domain.Alert {
	p := ev.Payout()
	if ev.Type != domain.EventPayoutPaid || p == nil {
		return nil
	}

	rs := rc.RuleSet
	if p.Amount < rs.MinPayoutMinor() {
		return nil
	}

	lookback := time.Duration(rs.LookbackMinutes) * time.Minute
	created := rc.window(nil, domain.EventExternalAccountCreated, ev.OccurredAt.Add(-lookback), ev.OccurredAt, true)
	if len(created) == 0 {
		return nil
	}

	// The most recent swap is the most suspicious one.
	latest := created[0]
	for _, e := range created[1:] {
		if e.OccurredAt.After(latest.OccurredAt) {
			latest = e
		}
	}

	externalID := ""
	if ea := latest.ExternalAccount(); ea != nil {
		externalID = ea.ID
	}
	elapsed := int(ev.OccurredAt.Sub(latest.OccurredAt).Minutes())

	return []domain.Alert{{
		AccountID:         rc.AccountID,
		EventID:           ev.ID,
		Type:              domain.AlertBankSwap,
		RuleID:            "bank-swap",
		Severity:          domain.SeverityHigh,
		PayoutID:          p.ID,
		ExternalAccountID: externalID,
		Message: fmt.Sprintf("Payout of %s sent %d minutes after a new external account was added",
			FormatAmount(p.Amount, p.Currency), elapsed),
	}}
}

// GeoMismatch fires when enough recent card charges come from countries
// other than the payout's bank country. Charges without a card country are
// ignored.
func GeoMismatch(ev *domain.Event, rc *Context) []domain.Alert {
	p := ev.Payout()
	if ev.Type != domain.EventPayoutPaid || p == nil {
		return nil
	}

	bankCountry := BankCountry(p)
	if bankCountry == "" {
		return nil
	}

	rs := rc.RuleSet
	lookback := time.Duration(rs.GeoLookbackMinutes) * time.Minute
	charges := rc.window(nil, domain.EventChargeSucceeded, ev.OccurredAt.Add(-lookback), ev.OccurredAt, true)

	known := 0
	mismatched := make(map[string]int)
	mismatches := 0
	for _, e := range charges {
		c := e.Charge()
		if c == nil || c.CardCountry() == "" {
			continue
		}
		known++
		if c.CardCountry() != bankCountry {
			mismatches++
			mismatched[c.CardCountry()]++
		}
	}

	if mismatches < rs.MismatchChargeCount {
		return nil
	}

	countries := make([]string, 0, len(mismatched))
	for c := range mismatched {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	return []domain.Alert{{
		AccountID: rc.AccountID,
		EventID:   ev.ID,
		Type:      domain.AlertGeoMismatch,
		RuleID:    "geo-mismatch",
		Severity:  domain.SeverityMedium,
		PayoutID:  p.ID,
		Message: fmt.Sprintf("%d of %d recent charges used cards from %s while payouts go to %s",
			mismatches, known, strings.Join(countries, ", "), bankCountry),
	}}
}

// HighRiskReview raises every review the provider opens.
func HighRiskReview(ev *domain.Event, rc *Context) []domain.Alert {
	r := ev.Review()
	if ev.Type != domain.EventReviewOpened || r == nil {
		return nil
	}

	reason := r.Reason
	if reason == "" {
		reason = "unspecified"
	}
	msg := fmt.Sprintf("Provider opened review %s (reason: %s)", r.ID, reason)
	if r.Charge != "" {
		msg += " on charge " + r.Charge
	}

	return []domain.Alert{{
		AccountID: rc.AccountID,
		EventID:   ev.ID,
		Type:      domain.AlertHighRiskReview,
		RuleID:    "high-risk-review",
		Severity:  domain.SeverityHigh,
		Message:   msg,
	}}
}
