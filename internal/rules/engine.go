// Package rules evaluates payment events against per-account thresholds.
// Built-in rules are plain Go functions; accounts may add CEL expressions.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Engine runs the built-in rules and an account's custom rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	builtin  map[domain.AlertType]Rule
}

// NewEngine creates a rule engine with the built-in rules loaded.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("card_country", cel.StringType),
		cel.Variable("bank_country", cel.StringType),
		cel.Variable("recent_payouts", cel.IntType),
		cel.Variable("recent_charges", cel.IntType),
		cel.Variable("minutes_since_external_account", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
		builtin:  Builtin(),
	}, nil
}

// ValidateRule compiles a custom rule without caching it.
func (e *Engine) ValidateRule(cr domain.CustomRule) error {
	if cr.ID == "" {
		return fmt.Errorf("%w: custom rule id is required", domain.ErrInvalidInput)
	}
	_, err := e.compile(cr.Expression)
	return err
}

// Evaluate runs every enabled rule against ev and returns the candidate
// alerts in a stable order. A rule that panics or errors is skipped.
func (e *Engine) Evaluate(ev *domain.Event, rc *Context) []domain.Alert {
	var alerts []domain.Alert

	order := make([]domain.AlertType, 0, len(e.builtin))
	for t := range e.builtin {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, t := range order {
		if !rc.RuleSet.IsEnabled(t) {
			continue
		}
		alerts = append(alerts, runSafely(string(t), e.builtin[t], ev, rc)...)
	}

	if rc.RuleSet.IsEnabled(domain.AlertCustomRule) {
		alerts = append(alerts, e.evaluateCustom(ev, rc)...)
	}
	return alerts
}

func runSafely(name string, rule Rule, ev *domain.Event, rc *Context) (out []domain.Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule panicked",
				"rule", name,
				"event_id", ev.ID,
				"panic", fmt.Sprint(r),
			)
			out = nil
		}
	}()
	return rule(ev, rc)
}

func (e *Engine) evaluateCustom(ev *domain.Event, rc *Context) []domain.Alert {
	if len(rc.RuleSet.CustomRules) == 0 {
		return nil
	}

	activation := e.activation(ev, rc)

	var alerts []domain.Alert
	for _, cr := range rc.RuleSet.CustomRules {
		if !cr.Enabled {
			continue
		}

		prg, err := e.program(cr.Expression)
		if err != nil {
			slog.Warn("skipping custom rule",
				"rule_id", cr.ID,
				"account_id", rc.AccountID,
				"error", err,
			)
			continue
		}

		out, _, err := prg.Eval(activation)
		if err != nil {
			slog.Warn("custom rule evaluation failed",
				"rule_id", cr.ID,
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		if matched, ok := out.(types.Bool); !ok || !bool(matched) {
			continue
		}

		alerts = append(alerts, customAlert(cr, ev, rc))
	}
	return alerts
}

func customAlert(cr domain.CustomRule, ev *domain.Event, rc *Context) domain.Alert {
	severity := cr.Severity
	if severity == "" {
		severity = domain.SeverityMedium
	}
	msg := cr.Message
	if msg == "" {
		name := cr.Name
		if name == "" {
			name = cr.ID
		}
		msg = fmt.Sprintf("Custom rule %q matched %s", name, ev.Type)
	}

	a := domain.Alert{
		AccountID: rc.AccountID,
		EventID:   ev.ID,
		Type:      domain.AlertCustomRule,
		RuleID:    cr.ID,
		Severity:  severity,
		Message:   msg,
	}
	if p := ev.Payout(); p != nil {
		a.PayoutID = p.ID
	}
	if ea := ev.ExternalAccount(); ea != nil {
		a.ExternalAccountID = ea.ID
	}
	return a
}

// activation exposes the event and a few history aggregates to CEL.
func (e *Engine) activation(ev *domain.Event, rc *Context) map[string]any {
	vars := map[string]any{
		"event_type":                     string(ev.Type),
		"amount":                         int64(0),
		"currency":                       "",
		"card_country":                   "",
		"bank_country":                   "",
		"recent_payouts":                 int64(0),
		"recent_charges":                 int64(0),
		"minutes_since_external_account": int64(-1),
	}
	object := map[string]any{
		"id":   ev.ID,
		"type": string(ev.Type),
	}

	switch {
	case ev.Payout() != nil:
		p := ev.Payout()
		vars["amount"] = p.Amount
		vars["currency"] = strings.ToLower(p.Currency)
		vars["bank_country"] = BankCountry(p)
		object["object_id"] = p.ID
	case ev.Charge() != nil:
		c := ev.Charge()
		vars["amount"] = c.Amount
		vars["currency"] = strings.ToLower(c.Currency)
		vars["card_country"] = c.CardCountry()
		object["object_id"] = c.ID
	case ev.ExternalAccount() != nil:
		object["object_id"] = ev.ExternalAccount().ID
	case ev.Review() != nil:
		object["object_id"] = ev.Review().ID
		object["reason"] = ev.Review().Reason
	}

	rs := rc.RuleSet
	velocity := time.Duration(rs.VelocityWindowMinutes) * time.Minute
	vars["recent_payouts"] = int64(len(rc.window(ev, domain.EventPayoutPaid, ev.OccurredAt.Add(-velocity), ev.OccurredAt, false)))

	geo := time.Duration(rs.GeoLookbackMinutes) * time.Minute
	vars["recent_charges"] = int64(len(rc.window(ev, domain.EventChargeSucceeded, ev.OccurredAt.Add(-geo), ev.OccurredAt, true)))

	lookback := time.Duration(rs.LookbackMinutes) * time.Minute
	for _, ea := range rc.window(nil, domain.EventExternalAccountCreated, ev.OccurredAt.Add(-lookback), ev.OccurredAt, true) {
		mins := int64(ev.OccurredAt.Sub(ea.OccurredAt).Minutes())
		if cur := vars["minutes_since_external_account"].(int64); cur < 0 || mins < cur {
			vars["minutes_since_external_account"] = mins
		}
	}

	for k, v := range vars {
		if k != "event_type" {
			object[k] = v
		}
	}
	vars["event"] = object
	return vars
}

// program returns the compiled program for expr, compiling it once.
func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: expression is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile expression: %v", domain.ErrInvalidInput, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", domain.ErrInvalidInput, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return prg, nil
}

// ProgramCount returns the number of cached custom-rule programs.
func (e *Engine) ProgramCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}
