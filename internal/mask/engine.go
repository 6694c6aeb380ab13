// Package mask implements the masking engine (spec.md §4.E): it turns a
// decoded row field plus its column metadata into a possibly-replaced
// value, consulting the configured rule table, falling back to the PII
// scanner, and recursing into JSON documents and PG array literals.
package mask

import (
	"unicode/utf8"

	"github.com/dbbouncer/piimask/internal/fake"
	"github.com/dbbouncer/piimask/internal/rules"
	"github.com/dbbouncer/piimask/internal/scanner"
)

// FieldMeta describes everything the engine needs to know about a single
// field's column to make its masking decision. Table is empty when the
// upstream protocol didn't supply (or the handler didn't resolve) a table
// name — see spec.md §9 "Table-name discovery (PG)".
type FieldMeta struct {
	Table     string
	Column    string
	Binary    bool // column format hint is binary
	KnownText bool // binary-format value is still safe to decode as text (PG known-text OIDs)
	JSONType  bool // upstream type is known-JSON
	ArrayType bool // upstream type is a one-dimensional array
}

// RuleSource supplies the engine with the current, read-only rule table
// snapshot. Implementations must be safe to call concurrently and must
// never block (spec.md §5, "Config snapshot: read-mostly... readers never
// block").
type RuleSource interface {
	Rules() *rules.Table
	MaskingEnabled() bool
}

// FailureRecorder is notified whenever the engine swallows an error and
// falls back to passthrough (spec.md §4.E, "Failure policy").
type FailureRecorder interface {
	RecordMaskingFailure()
}

// Engine applies the per-field decision procedure to decoded row values.
type Engine struct {
	source   RuleSource
	failures FailureRecorder
}

// NewEngine returns an Engine reading rules from source and reporting
// swallowed errors to failures. failures may be nil, in which case failures
// are silently dropped (useful in tests).
func NewEngine(source RuleSource, failures FailureRecorder) *Engine {
	return &Engine{source: source, failures: failures}
}

func (e *Engine) fail() {
	if e.failures != nil {
		e.failures.RecordMaskingFailure()
	}
}

// MaskField applies the 7-step decision procedure to one non-NULL field.
// Callers handle NULL fields themselves (step 1's NULL half) before calling
// this; MaskField handles the rest of step 1 (opaque binary blobs) plus
// steps 2-7. It never returns an error: on any internal failure it falls
// back to the original bytes and records a failure.
func (e *Engine) MaskField(meta FieldMeta, value []byte) []byte {
	if !e.source.MaskingEnabled() {
		return value
	}

	// Step 1 (binary half): an opaque binary blob passes through untouched.
	if meta.Binary && !meta.KnownText {
		return value
	}

	// Step 2: must be valid UTF-8 to proceed.
	if !utf8.Valid(value) {
		return value
	}
	s := string(value)

	tbl := e.source.Rules()

	// Step 3: known-JSON type, or an explicit json-strategy rule on this column.
	if meta.JSONType || hasJSONRule(tbl, meta.Table, meta.Column) {
		out, err := recurseJSON(s, func(key, val string) (string, bool) {
			return e.maskScalar(tbl, meta.Table, key, val)
		})
		if err != nil {
			e.fail()
			return value
		}
		return []byte(out)
	}

	// Step 4: PG array literal.
	if meta.ArrayType {
		out, err := e.maskArrayLiteral(tbl, meta, s)
		if err != nil {
			e.fail()
			return value
		}
		return []byte(out)
	}

	// Steps 5-7: rule lookup, then scanner fallback, then passthrough.
	newVal, applied := e.maskScalar(tbl, meta.Table, meta.Column, s)
	if !applied {
		return value
	}
	return []byte(newVal)
}

func hasJSONRule(tbl *rules.Table, table, column string) bool {
	rule, ok := tbl.Lookup(table, column)
	return ok && rule.Strategy == rules.StrategyJSON
}

// maskScalar implements steps 5-6 of the decision procedure for a single
// text scalar: configured rule first, scanner-driven default second.
func (e *Engine) maskScalar(tbl *rules.Table, table, column, value string) (string, bool) {
	if rule, ok := tbl.Lookup(table, column); ok {
		return fake.Generate(rule.Strategy, value, rule.Salt), true
	}

	kind := scanner.Classify(value)
	if kind == scanner.KindNone {
		return value, false
	}
	strategy := scanner.DefaultStrategyFor(kind)
	if strategy == "" {
		return value, false
	}
	return fake.Generate(rules.Strategy(strategy), value, ""), true
}

func (e *Engine) maskArrayLiteral(tbl *rules.Table, meta FieldMeta, s string) (string, error) {
	elems, err := parseArrayLiteral(s)
	if err != nil {
		return "", err
	}
	for i, el := range elems {
		if el.isNull {
			continue
		}
		if newVal, applied := e.maskScalar(tbl, meta.Table, meta.Column, el.value); applied {
			elems[i].value = newVal
		}
	}
	return encodeArrayLiteral(elems), nil
}
