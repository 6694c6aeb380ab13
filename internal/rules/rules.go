// Package rules holds the masking-rule data model: the ordered table of
// (table?, column, strategy) triples and the precedence lookup over it.
package rules

import "fmt"

// Strategy names the rewrite applied to a matched field. The zero value is
// never valid on a loaded rule — config.BuildRuleTable skips rules whose
// token is unknown.
type Strategy string

const (
	StrategyEmail      Strategy = "email"
	StrategyPhone      Strategy = "phone"
	StrategyAddress    Strategy = "address"
	StrategyCreditCard Strategy = "credit_card"
	StrategyJSON       Strategy = "json"
	StrategyHash       Strategy = "hash"
)

// Valid reports whether s is one of the exact strategy tokens from §6.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyEmail, StrategyPhone, StrategyAddress, StrategyCreditCard, StrategyJSON, StrategyHash:
		return true
	default:
		return false
	}
}

// Rule is a single masking rule: table is optional (empty means global),
// column and strategy are required. Salt is an optional extra seed mixed
// into the fake-value seed of whichever strategy the rule uses, so two
// deployments don't produce identical fake
// values for identical inputs (see DESIGN.md, Open Question: per-rule salt).
type Rule struct {
	Table    string
	Column   string
	Strategy Strategy
	Salt     string
}

// Table is the ordered, immutable sequence of rules consulted by the masking
// engine. It implements the lookup procedure from spec.md §3: first exact
// (table, column) match, otherwise first global (column) match, ties broken
// by sequence order. Table is built once per config snapshot by
// config.BuildRuleTable and never mutated in place — hot reload builds a new Table and swaps the config
// snapshot that holds it.
type Table struct {
	rules []Rule
}

// NewTable builds a rule Table from already-validated rules, preserving
// their original order (which is the tie-break order for matching).
func NewTable(rules []Rule) *Table {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp}
}

// Lookup finds the rule governing column in table (table may be empty when
// unknown). It returns ok=false when no rule matches; the caller then falls
// back to the heuristic scanner (spec.md §4.E step 6).
func (t *Table) Lookup(table, column string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}

	// First pass: exact (table, column) match.
	if table != "" {
		for _, r := range t.rules {
			if r.Table == table && r.Column == column {
				return r, true
			}
		}
	}

	// Second pass: first global rule (no table) for this column.
	for _, r := range t.rules {
		if r.Table == "" && r.Column == column {
			return r, true
		}
	}

	return Rule{}, false
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns a defensive copy of the underlying rule slice, in order.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	cp := make([]Rule, len(t.rules))
	copy(cp, t.rules)
	return cp
}

// ParseStrategy validates a raw config token against the strategy
// vocabulary, returning an error that names the offending value so config
// loading can surface a load-time warning per spec.md §6.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown masking strategy %q", raw)
	}
	return s, nil
}
