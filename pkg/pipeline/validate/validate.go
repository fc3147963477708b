// Package validate checks records against a declarative field-rule table.
//
// Validation is pure: the input is never mutated, and transformed values are
// reported in Result.Fields.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// Status is the per-field outcome.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusMissing Status = "missing"
	StatusSkipped Status = "skipped"
	StatusUnknown Status = "unknown"
)

// Issue is one error or warning tied to a field.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldResult holds the transformed value and status of a field.
type FieldResult struct {
	Value  any    `json:"value,omitempty"`
	Status Status `json:"status"`
}

// Result is the structured outcome of validating one record.
type Result struct {
	Valid           bool                   `json:"valid"`
	Errors          []Issue                `json:"errors"`
	Warnings        []Issue                `json:"warnings"`
	MissingRequired []string               `json:"missing_required"`
	Fields          map[string]FieldResult `json:"fields"`
}

// passthrough fields are metadata carried alongside form data.
var defaultPassthrough = []string{
	"id", "_id", "_row", "recordId", "record_id", "batchId", "batch_id",
	"timestamp", "createdAt", "created_at", "updatedAt", "updated_at",
}

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^\+?1?[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}$`)
)

// Validator applies a RuleSet.
type Validator struct {
	rules       *RuleSet
	passthrough map[string]struct{}
}

// Option customises a Validator.
type Option func(*Validator)

// WithPassthrough adds metadata field names that are ignored silently.
func WithPassthrough(fields ...string) Option {
	return func(v *Validator) {
		for _, f := range fields {
			v.passthrough[f] = struct{}{}
		}
	}
}

// New returns a Validator over rules; nil means DefaultRules.
func New(rules *RuleSet, opts ...Option) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	v := &Validator{rules: rules, passthrough: make(map[string]struct{}, len(defaultPassthrough))}
	for _, f := range defaultPassthrough {
		v.passthrough[f] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Rules returns the rule table in use.
func (v *Validator) Rules() *RuleSet { return v.rules }

// ValidateRecord validates rec.Fields.
func (v *Validator) ValidateRecord(rec core.Record) Result {
	return v.Validate(rec.Fields)
}

// Validate checks fields against the rule table.
func (v *Validator) Validate(fields map[string]any) Result {
	res := Result{
		Errors:          []Issue{},
		Warnings:        []Issue{},
		MissingRequired: []string{},
		Fields:          make(map[string]FieldResult, len(fields)),
	}

	for _, name := range v.rules.order {
		rule := v.rules.rules[name]
		raw, present := fields[name]
		if !present || isBlank(raw) {
			if rule.Required {
				res.MissingRequired = append(res.MissingRequired, name)
				res.Fields[name] = FieldResult{Status: StatusMissing}
			} else {
				res.Fields[name] = FieldResult{Status: StatusSkipped}
			}
			continue
		}
		res.checkField(rule, raw)
	}

	unknown := make([]string, 0)
	for name := range fields {
		if _, ok := v.rules.rules[name]; ok {
			continue
		}
		if _, ok := v.passthrough[name]; ok {
			continue
		}
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		res.Warnings = append(res.Warnings, Issue{Field: name, Message: "unknown field"})
		res.Fields[name] = FieldResult{Value: fields[name], Status: StatusUnknown}
	}

	res.Valid = len(res.Errors) == 0 && len(res.MissingRequired) == 0
	return res
}

func (res *Result) checkField(rule *Rule, raw any) {
	value := raw
	if rule.transform != nil {
		out, err := rule.transform(raw)
		if err != nil {
			res.fail(rule.Name, raw, "cannot parse value")
			return
		}
		value = out
	}

	switch rule.Type {
	case TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(toString(value)), 64)
			if err != nil {
				res.fail(rule.Name, value, "must be a number")
				return
			}
			n = parsed
		}
		// NaN compares false against any bound, so it would pass the range check.
		if math.IsNaN(n) || math.IsInf(n, 0) {
			res.fail(rule.Name, value, "must be a number")
			return
		}
		if rule.Min != nil && n < *rule.Min {
			res.fail(rule.Name, value, fmt.Sprintf("must be at least %s", formatNumber(*rule.Min)))
			return
		}
		if rule.Max != nil && n > *rule.Max {
			res.fail(rule.Name, value, fmt.Sprintf("must be at most %s", formatNumber(*rule.Max)))
			return
		}
	case TypeString:
		n := len([]rune(toString(value)))
		if rule.MinLength > 0 && n < rule.MinLength {
			res.fail(rule.Name, value, fmt.Sprintf("must be at least %d characters", rule.MinLength))
			return
		}
		if rule.MaxLength > 0 && n > rule.MaxLength {
			res.fail(rule.Name, value, fmt.Sprintf("must be at most %d characters", rule.MaxLength))
			return
		}
	case TypeEmail:
		if !emailRe.MatchString(toString(value)) {
			res.fail(rule.Name, value, "must be a valid email address")
			return
		}
	case TypePhone:
		if !phoneRe.MatchString(toString(value)) {
			res.fail(rule.Name, value, "must be a valid phone number")
			return
		}
	case TypeSelect:
		s := strings.TrimSpace(toString(value))
		matched := ""
		for _, opt := range rule.Options {
			if strings.EqualFold(opt, s) {
				matched = opt
				break
			}
		}
		if matched == "" {
			res.fail(rule.Name, value, fmt.Sprintf("must be one of: %s", strings.Join(rule.Options, ", ")))
			return
		}
		value = matched
	case TypeBoolean:
		if b, ok := asBool(value); ok {
			value = b
		} else {
			res.Warnings = append(res.Warnings, Issue{Field: rule.Name, Message: "expected a yes/no value"})
		}
	}

	if rule.pattern != nil && !rule.pattern.MatchString(toString(value)) {
		res.fail(rule.Name, value, "does not match the expected format")
		return
	}
	res.Fields[rule.Name] = FieldResult{Value: value, Status: StatusValid}
}

func (res *Result) fail(field string, value any, msg string) {
	res.Errors = append(res.Errors, Issue{Field: field, Message: msg})
	res.Fields[field] = FieldResult{Value: value, Status: StatusInvalid}
}

// Err converts an invalid result into a ValidationError naming the first
// offending field. It returns nil for a valid result.
func (res Result) Err() error {
	if res.Valid {
		return nil
	}
	if len(res.MissingRequired) > 0 {
		return core.NewValidationError(res.MissingRequired[0],
			"missing required fields: "+strings.Join(res.MissingRequired, ", "))
	}
	first := res.Errors[0]
	msg := first.Field + " " + first.Message
	if n := len(res.Errors); n > 1 {
		msg += fmt.Sprintf(" (and %d more)", n-1)
	}
	return core.NewValidationError(first.Field, msg)
}

// Report renders the result for humans.
func (res Result) Report() string {
	var b strings.Builder
	if res.Valid {
		b.WriteString("Validation passed")
	} else {
		b.WriteString("Validation failed")
	}
	fmt.Fprintf(&b, " (%d errors, %d warnings, %d missing)\n",
		len(res.Errors), len(res.Warnings), len(res.MissingRequired))
	if len(res.MissingRequired) > 0 {
		b.WriteString("Missing required fields:\n")
		for _, f := range res.MissingRequired {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	if len(res.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, e := range res.Errors {
			fmt.Fprintf(&b, "  - %s: %s\n", e.Field, e.Message)
		}
	}
	if len(res.Warnings) > 0 {
		b.WriteString("Warnings:\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "  - %s: %s\n", w.Field, w.Message)
		}
	}
	return b.String()
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
