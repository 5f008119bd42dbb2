package redact

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	MaxIDLen          = 64
	MaxNameLen        = 100
	MaxPatternLen     = 500
	MaxReplacementLen = 200
	MaxSampleLen      = 100_000
	MaxUserRules      = 100
)

var (
	ErrTooManyRules = fmt.Errorf("too many redaction rules (max %d)", MaxUserRules)
	ErrBuiltinRule  = errors.New("builtin rules cannot be edited or deleted, only enabled or disabled")
	ErrRuleNotFound = errors.New("redaction rule not found")
	ErrDuplicateID  = errors.New("redaction rule id already in use")
	ErrRuleTimeout  = errors.New("rule evaluation timed out (possible ReDoS pattern)")
)

// Rule is a pattern/replacement pair applied to every string before it is
// stored. Builtin is fixed when the rule is created.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Enabled     bool   `json:"enabled"`
	Builtin     bool   `json:"builtin"`
}

// BuiltinOverride toggles one builtin rule.
type BuiltinOverride struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// RuleSet is the persisted rule document.
type RuleSet struct {
	Rules            []Rule            `json:"rules"`
	BuiltinOverrides []BuiltinOverride `json:"builtin_overrides"`
}

// RuleUpdate carries the fields of an update; nil means unchanged.
type RuleUpdate struct {
	Name        *string `json:"name,omitempty"`
	Pattern     *string `json:"pattern,omitempty"`
	Replacement *string `json:"replacement,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// ValidationError describes why a rule was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule %s: %s", e.Field, e.Reason)
}

// ValidateRule checks identifier, lengths and that the pattern compiles.
func ValidateRule(r Rule) error {
	if err := validateID(r.ID); err != nil {
		return err
	}
	if len(r.Name) > MaxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", MaxNameLen)}
	}
	if err := validateLengths(r.Pattern, r.Replacement); err != nil {
		return err
	}
	_, err := compile(r.Pattern, r.Replacement, 0)
	return err
}

func validateID(id string) error {
	if id == "" || len(id) > MaxIDLen {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("must be 1-%d characters", MaxIDLen)}
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return &ValidationError{Field: "id", Reason: "only letters, digits, '-' and '_' are allowed"}
		}
	}
	return nil
}

func validateLengths(pattern, replacement string) error {
	if pattern == "" {
		return &ValidationError{Field: "pattern", Reason: "must not be empty"}
	}
	if len(pattern) > MaxPatternLen {
		return &ValidationError{Field: "pattern", Reason: fmt.Sprintf("longer than %d characters", MaxPatternLen)}
	}
	if len(replacement) > MaxReplacementLen {
		return &ValidationError{Field: "replacement", Reason: fmt.Sprintf("longer than %d characters", MaxReplacementLen)}
	}
	return nil
}

// compile builds the matcher for a rule and checks the replacement template.
func compile(pattern, replacement string, timeout time.Duration) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, &ValidationError{Field: "pattern", Reason: err.Error()}
	}
	if _, err := re.Replace("", translateReplacement(replacement), -1, -1); err != nil {
		return nil, &ValidationError{Field: "replacement", Reason: err.Error()}
	}
	if timeout > 0 {
		re.MatchTimeout = timeout
	}
	return re, nil
}

// translateReplacement accepts back-slash group references (\1, \g<name>)
// next to the native $1 / ${name} syntax.
func translateReplacement(repl string) string {
	if !strings.Contains(repl, `\`) {
		return repl
	}

	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c != '\\' || i+1 == len(repl) {
			b.WriteByte(c)
			continue
		}

		next := repl[i+1]
		switch {
		case next >= '0' && next <= '9':
			j := i + 1
			for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			b.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
		case next == 'g' && i+2 < len(repl) && repl[i+2] == '<':
			end := strings.IndexByte(repl[i+3:], '>')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			b.WriteString("${" + repl[i+3:i+3+end] + "}")
			i = i + 3 + end
		case next == '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
