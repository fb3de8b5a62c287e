// Package redact rewrites sensitive query result values before the rows are
// embedded in a narration prompt. Rows leave the process when the engine
// asks the model to narrate them, so anything the operator marks as
// sensitive (emails, phone numbers, document IDs) is scrubbed at that
// boundary.
package redact

import (
	"fmt"
	"regexp"
)

// Rule replaces every match of Pattern with Replacement.
type Rule struct {
	Pattern     string
	Replacement string
}

// Redactor holds a compiled rule set and applies it to result rows. Safe for
// concurrent use once constructed.
type Redactor struct {
	patterns     []*regexp.Regexp
	replacements []string
}

// NewRedactor compiles the rule set. Returns an error on an invalid pattern.
func NewRedactor(rules []Rule) (*Redactor, error) {
	r := &Redactor{
		patterns:     make([]*regexp.Regexp, len(rules)),
		replacements: make([]string, len(rules)),
	}
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redact: invalid pattern %q: %v", rule.Pattern, err)
		}
		r.patterns[i] = re
		r.replacements[i] = rule.Replacement
	}
	return r, nil
}

// HasRules reports whether any rules are configured.
func (r *Redactor) HasRules() bool {
	return len(r.patterns) > 0
}

// Apply runs every rule, in configuration order, over a single value.
func (r *Redactor) Apply(s string) string {
	for i, p := range r.patterns {
		s = p.ReplaceAllString(s, r.replacements[i])
	}
	return s
}

// RedactRows rewrites the string cells of a result set in place and returns
// it. Rows are per-request copies collected from the database, so in-place
// mutation is safe. Row cells are strings, numbers, bools, or nil after
// conversion, except JSONB and array columns which arrive as nested maps and
// slices; only strings can carry sensitive text, so scrubbing descends into
// the containers and applies the rules at the leaves.
func (r *Redactor) RedactRows(rows []map[string]interface{}) []map[string]interface{} {
	if len(r.patterns) == 0 {
		return rows
	}
	for _, row := range rows {
		for column, cell := range row {
			row[column] = r.scrub(cell)
		}
	}
	return rows
}

func (r *Redactor) scrub(cell interface{}) interface{} {
	switch v := cell.(type) {
	case string:
		return r.Apply(v)
	case map[string]interface{}: // JSONB object column
		for key, inner := range v {
			v[key] = r.scrub(inner)
		}
		return v
	case []interface{}: // array or JSONB array column
		for i, inner := range v {
			v[i] = r.scrub(inner)
		}
		return v
	}
	return cell
}
