package validate

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrRulesInvalid wraps every rule-table loading failure.
var ErrRulesInvalid = errors.New("invalid rule table")

// FieldType selects the type-specific check applied to a field.
type FieldType string

const (
	TypeNumber  FieldType = "number"
	TypeString  FieldType = "string"
	TypeEmail   FieldType = "email"
	TypePhone   FieldType = "phone"
	TypeSelect  FieldType = "select"
	TypeBoolean FieldType = "boolean"
)

// TransformFunc converts a raw value before type checking.
type TransformFunc func(v any) (any, error)

// Rule declares how one field is checked.
type Rule struct {
	Name      string    `yaml:"name"`
	Type      FieldType `yaml:"type"`
	Required  bool      `yaml:"required"`
	Min       *float64  `yaml:"min,omitempty"`
	Max       *float64  `yaml:"max,omitempty"`
	MinLength int       `yaml:"min_length,omitempty"`
	MaxLength int       `yaml:"max_length,omitempty"`
	Options   []string  `yaml:"options,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty"`
	Transform string    `yaml:"transform,omitempty"`

	// TransformFunc overrides the named Transform when set programmatically.
	TransformFunc TransformFunc `yaml:"-"`

	pattern   *regexp.Regexp
	transform TransformFunc
}

// RuleSet is an ordered, compiled rule table.
type RuleSet struct {
	order []string
	rules map[string]*Rule
}

type rulesFile struct {
	Fields []Rule `yaml:"fields"`
}

//go:embed rules.yaml
var defaultRulesYAML []byte

// DefaultRules returns the built-in rule table for property intake records.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules.yaml: %v", err))
	}
	return rs
}

// LoadRulesYAML reads a rule table from r.
func LoadRulesYAML(r io.Reader) (*RuleSet, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrRulesInvalid, err)
	}
	return ParseRules(b)
}

// ParseRules decodes and compiles a YAML rule table.
func ParseRules(b []byte) (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrRulesInvalid, err)
	}
	return NewRuleSet(f.Fields...)
}

// NewRuleSet compiles rules in the given order.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make(map[string]*Rule, len(rules))}
	for i := range rules {
		r := rules[i]
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("%w: rule %d has no name", ErrRulesInvalid, i)
		}
		if _, dup := rs.rules[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrRulesInvalid, r.Name)
		}
		if err := r.compile(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRulesInvalid, r.Name, err)
		}
		rs.order = append(rs.order, r.Name)
		rs.rules[r.Name] = &r
	}
	return rs, nil
}

func (r *Rule) compile() error {
	switch r.Type {
	case TypeNumber, TypeString, TypeEmail, TypePhone, TypeBoolean:
	case TypeSelect:
		if len(r.Options) == 0 {
			return errors.New("select rule needs options")
		}
	case "":
		r.Type = TypeString
	default:
		return fmt.Errorf("unknown type %q", r.Type)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("min %v is greater than max %v", *r.Min, *r.Max)
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
		r.pattern = re
	}
	switch {
	case r.TransformFunc != nil:
		r.transform = r.TransformFunc
	case r.Transform != "":
		fn, ok := transforms[r.Transform]
		if !ok {
			return fmt.Errorf("unknown transform %q", r.Transform)
		}
		r.transform = fn
	}
	return nil
}

// Fields returns field names in declaration order.
func (rs *RuleSet) Fields() []string {
	return append([]string(nil), rs.order...)
}

// Rule returns the rule for name.
func (rs *RuleSet) Rule(name string) (Rule, bool) {
	r, ok := rs.rules[name]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// MarshalYAML renders the table in the same shape ParseRules reads.
func (rs *RuleSet) MarshalYAML() (any, error) {
	f := rulesFile{Fields: make([]Rule, 0, len(rs.order))}
	for _, name := range rs.order {
		f.Fields = append(f.Fields, *rs.rules[name])
	}
	return f, nil
}

var thousandsSep = strings.NewReplacer(",", "", "_", "", " ", "")

var transforms = map[string]TransformFunc{
	"trim": func(v any) (any, error) {
		return strings.TrimSpace(toString(v)), nil
	},
	"lower": func(v any) (any, error) {
		return strings.ToLower(strings.TrimSpace(toString(v))), nil
	},
	"upper": func(v any) (any, error) {
		return strings.ToUpper(strings.TrimSpace(toString(v))), nil
	},
	// integer strips thousands separators and parses a whole number.
	"integer": func(v any) (any, error) {
		if n, ok := asFloat(v); ok {
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%v is not a finite number", n)
			}
			return int64(n), nil
		}
		s := thousandsSep.Replace(strings.TrimSpace(toString(v)))
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	},
	// decimal strips thousands separators and a leading currency sign.
	"decimal": func(v any) (any, error) {
		if n, ok := asFloat(v); ok {
			return n, nil
		}
		s := thousandsSep.Replace(strings.TrimSpace(toString(v)))
		s = strings.TrimPrefix(s, "$")
		return strconv.ParseFloat(s, 64)
	},
	"digits": func(v any) (any, error) {
		var sb strings.Builder
		for _, r := range toString(v) {
			if r >= '0' && r <= '9' {
				sb.WriteRune(r)
			}
		}
		return sb.String(), nil
	},
}
