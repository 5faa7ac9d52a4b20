package rules

import (
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// HistoryTypes are the event types any rule reads from history.
var HistoryTypes = []domain.EventType{
	domain.EventPayoutPaid,
	domain.EventExternalAccountCreated,
	domain.EventChargeSucceeded,
}

// Context is what a rule sees besides the triggering event.
type Context struct {
	AccountID string
	RuleSet   *domain.RuleSet

	// History holds the account's recent events of HistoryTypes, oldest
	// first. It may or may not contain the triggering event.
	History []*domain.Event
}

// Rule evaluates one event and returns candidate alerts. Rules must not
// mutate their arguments; the reactor assigns IDs, scores and timestamps.
type Rule func(ev *domain.Event, rc *Context) []domain.Alert

// window returns history events of type t with occurrence in (from, to],
// or [from, to] when inclusive is set. The triggering event is counted
// exactly once when it matches.
func (rc *Context) window(ev *domain.Event, t domain.EventType, from, to time.Time, inclusive bool) []*domain.Event {
	seen := make(map[string]bool)
	var out []*domain.Event

	in := func(e *domain.Event) bool {
		if e.Type != t || e.OccurredAt.After(to) {
			return false
		}
		if inclusive {
			return !e.OccurredAt.Before(from)
		}
		return e.OccurredAt.After(from)
	}

	for _, e := range rc.History {
		if e == nil || seen[e.ID] || !in(e) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	if ev != nil && !seen[ev.ID] && in(ev) {
		out = append(out, ev)
	}
	return out
}
