package domain

import "time"

// RuleSet holds per-account rule thresholds. Zero values fall back to the
// system default via Normalize.
type RuleSet struct {
	AccountID string `json:"accountId,omitempty"`

	// Velocity breach
	MaxPayouts            int `json:"maxPayouts"`
	VelocityWindowMinutes int `json:"velocityWindowMinutes"`

	// Bank swap. MinPayoutUSD is in major units.
	LookbackMinutes int   `json:"lookbackMinutes"`
	MinPayoutUSD    int64 `json:"minPayoutUsd"`

	// Geo mismatch
	MismatchChargeCount int `json:"mismatchChargeCount"`
	GeoLookbackMinutes  int `json:"geoLookbackMinutes"`

	// Disabled lists alert types switched off for the account.
	Disabled []AlertType `json:"disabled,omitempty"`

	// CustomRules are CEL expressions evaluated against every event.
	CustomRules []CustomRule `json:"customRules,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// CustomRule is an account-defined CEL rule.
type CustomRule struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Expression string   `json:"expression"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message,omitempty"`
	Enabled    bool     `json:"enabled"`
}

// DefaultRuleSet returns the system default thresholds.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		MaxPayouts:            3,
		VelocityWindowMinutes: 60,
		LookbackMinutes:       60,
		MinPayoutUSD:          500,
		MismatchChargeCount:   3,
		GeoLookbackMinutes:    24 * 60,
	}
}

// Normalize fills unset thresholds from the default rule set.
func (rs *RuleSet) Normalize() *RuleSet {
	def := DefaultRuleSet()
	if rs.MaxPayouts <= 0 {
		rs.MaxPayouts = def.MaxPayouts
	}
	if rs.VelocityWindowMinutes <= 0 {
		rs.VelocityWindowMinutes = def.VelocityWindowMinutes
	}
	if rs.LookbackMinutes <= 0 {
		rs.LookbackMinutes = def.LookbackMinutes
	}
	if rs.MinPayoutUSD <= 0 {
		rs.MinPayoutUSD = def.MinPayoutUSD
	}
	if rs.MismatchChargeCount <= 0 {
		rs.MismatchChargeCount = def.MismatchChargeCount
	}
	if rs.GeoLookbackMinutes <= 0 {
		rs.GeoLookbackMinutes = def.GeoLookbackMinutes
	}
	return rs
}

// IsEnabled reports whether alerts of the given type may fire.
func (rs *RuleSet) IsEnabled(t AlertType) bool {
	for _, d := range rs.Disabled {
		if d == t {
			return false
		}
	}
	return true
}

// MaxLookback returns the largest history window any enabled rule needs.
// Custom rules read every window, so an active one widens the lookback to
// the longest threshold even when the built-in rule behind it is off.
func (rs *RuleSet) MaxLookback() time.Duration {
	custom := rs.HasActiveCustomRules()

	var longest int
	if (custom || rs.IsEnabled(AlertVelocityBreach)) && rs.VelocityWindowMinutes > longest {
		longest = rs.VelocityWindowMinutes
	}
	if (custom || rs.IsEnabled(AlertBankSwap)) && rs.LookbackMinutes > longest {
		longest = rs.LookbackMinutes
	}
	if (custom || rs.IsEnabled(AlertGeoMismatch)) && rs.GeoLookbackMinutes > longest {
		longest = rs.GeoLookbackMinutes
	}
	return time.Duration(longest) * time.Minute
}

// HasActiveCustomRules reports whether any custom rule will be evaluated.
func (rs *RuleSet) HasActiveCustomRules() bool {
	if !rs.IsEnabled(AlertCustomRule) {
		return false
	}
	for _, cr := range rs.CustomRules {
		if cr.Enabled {
			return true
		}
	}
	return false
}

// MinPayoutMinor returns the bank-swap threshold in minor currency units.
func (rs *RuleSet) MinPayoutMinor() int64 {
	return rs.MinPayoutUSD * 100
}
