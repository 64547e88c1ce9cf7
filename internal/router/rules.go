package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/shared"
)

// SpawnMode selects how a new agent starts.
type SpawnMode string

const (
	// SpawnDirect starts work immediately.
	SpawnDirect SpawnMode = "direct"
	// SpawnStaged asks for a plan first and sleeps until it is approved.
	SpawnStaged SpawnMode = "staged"
)

// Match selects events. Empty Action and Label match anything; Action "*"
// is accepted as an explicit wildcard.
type Match struct {
	Type   string
	Action string
	Label  string
}

// Rule is one row of the ordered trigger table.
type Rule struct {
	Name      string
	Match     Match
	Role      shared.Role
	Condition string
	SpawnMode SpawnMode
}

func (m Match) matches(ev ingest.Event) bool {
	if m.Type != ev.Type {
		return false
	}
	if m.Action != "" && m.Action != "*" && m.Action != ev.Action {
		return false
	}
	if m.Label != "" && !ev.HasLabel(m.Label) {
		return false
	}
	return true
}

// RulesFromConfig converts the config trigger table, rejecting unknown roles
// and malformed conditions.
func RulesFromConfig(in []config.TriggerRule) ([]Rule, error) {
	out := make([]Rule, 0, len(in))
	var errs []error
	for i, t := range in {
		role, err := shared.ParseRole(t.Role)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %d (%s): %w", i, t.Name, err))
			continue
		}
		if err := validateCondition(t.Condition); err != nil {
			errs = append(errs, fmt.Errorf("trigger %d (%s): %w", i, t.Name, err))
			continue
		}
		mode := SpawnMode(t.SpawnMode)
		if mode == "" {
			mode = SpawnDirect
		}
		out = append(out, Rule{
			Name:      t.Name,
			Match:     Match{Type: t.Match.Type, Action: t.Match.Action, Label: t.Match.Label},
			Role:      role,
			Condition: t.Condition,
			SpawnMode: mode,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Conditions:
//
//	""                  always true
//	label:<name>        the event carries <name>
//	requires:<role>     policy lists <role> as required for the event's scope
//	approval_required   policy flags the event's scope
//
// A leading "!" negates a term and "&&" joins terms.
func validateCondition(cond string) error {
	for _, term := range splitTerms(cond) {
		term = strings.TrimPrefix(term, "!")
		switch {
		case term == "approval_required":
		case strings.HasPrefix(term, "label:") && len(term) > len("label:"):
		case strings.HasPrefix(term, "requires:"):
			if _, err := shared.ParseRole(strings.TrimPrefix(term, "requires:")); err != nil {
				return fmt.Errorf("condition %q: %w", cond, err)
			}
		default:
			return fmt.Errorf("unknown condition %q", term)
		}
	}
	return nil
}

func splitTerms(cond string) []string {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil
	}
	parts := strings.Split(cond, "&&")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func evalCondition(cond string, ev ingest.Event, conds policy.Conditions) bool {
	for _, term := range splitTerms(cond) {
		negate := strings.HasPrefix(term, "!")
		term = strings.TrimPrefix(term, "!")
		var v bool
		switch {
		case term == "approval_required":
			v = conds != nil && conds.ApprovalRequired(ev.Scope())
		case strings.HasPrefix(term, "label:"):
			v = ev.HasLabel(strings.TrimPrefix(term, "label:"))
		case strings.HasPrefix(term, "requires:"):
			role := shared.Role(strings.TrimPrefix(term, "requires:"))
			v = conds != nil && conds.RequiresRole(ev.Scope(), role)
		default:
			return false
		}
		if v == negate {
			return false
		}
	}
	return true
}
