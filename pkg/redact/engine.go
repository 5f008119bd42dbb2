package redact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

const (
	DefaultRuleTimeout = 250 * time.Millisecond
	DefaultTestTimeout = 2 * time.Second
)

type compiledRule struct {
	id   string
	re   *regexp2.Regexp
	repl string
}

type snapshot struct {
	effective []Rule
	active    []compiledRule
}

// Engine holds the rule set and applies it to captured values. Redaction
// reads an immutable snapshot; mutations are serialized and swap it.
type Engine struct {
	path string

	mu      sync.Mutex
	doc     RuleSet
	timeout time.Duration

	current atomic.Pointer[snapshot]
}

// NewEngine loads the rule-set document at path. A missing file is an empty
// document; an empty path keeps the rules in memory only.
func NewEngine(path string, ruleTimeout time.Duration) (*Engine, error) {
	if ruleTimeout <= 0 {
		ruleTimeout = DefaultRuleTimeout
	}

	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if len(doc.Rules) > MaxUserRules {
		logging.L.Warn("rule set exceeds the user rule cap, extra rules ignored",
			zap.Int("stored", len(doc.Rules)), zap.Int("max", MaxUserRules))
		doc.Rules = doc.Rules[:MaxUserRules]
	}
	clean, dropped := sanitize(doc)
	if len(dropped) > 0 {
		logging.L.Warn("ignoring invalid redaction rules", zap.Strings("rules", dropped))
	}

	e := &Engine{path: path, doc: clean, timeout: ruleTimeout}
	e.rebuild()
	return e, nil
}

func readDocument(path string) (RuleSet, error) {
	var doc RuleSet
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read rule set: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse rule set %s: %w", path, err)
	}
	return doc, nil
}

// sanitize drops invalid or conflicting user rules and overrides that do not
// name a builtin, returning what was dropped.
func sanitize(doc RuleSet) (RuleSet, []string) {
	var (
		clean   RuleSet
		dropped []string
		seen    = make(map[string]bool, len(doc.Rules))
	)

	for i, r := range doc.Rules {
		r.Builtin = false
		label := r.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if isBuiltinID(r.ID) || seen[r.ID] || ValidateRule(r) != nil {
			dropped = append(dropped, label)
			continue
		}
		seen[r.ID] = true
		clean.Rules = append(clean.Rules, r)
	}

	overrides := make(map[string]bool)
	for _, o := range doc.BuiltinOverrides {
		if !isBuiltinID(o.ID) {
			dropped = append(dropped, "override:"+o.ID)
			continue
		}
		overrides[o.ID] = o.Enabled
	}
	for _, b := range builtinRules {
		if enabled, ok := overrides[b.ID]; ok {
			clean.BuiltinOverrides = append(clean.BuiltinOverrides, BuiltinOverride{ID: b.ID, Enabled: enabled})
		}
	}

	if clean.Rules == nil {
		clean.Rules = []Rule{}
	}
	if clean.BuiltinOverrides == nil {
		clean.BuiltinOverrides = []BuiltinOverride{}
	}
	return clean, dropped
}

func effectiveRules(doc RuleSet) []Rule {
	overrides := make(map[string]bool, len(doc.BuiltinOverrides))
	for _, o := range doc.BuiltinOverrides {
		overrides[o.ID] = o.Enabled
	}

	out := Builtins()
	for i := range out {
		if enabled, ok := overrides[out[i].ID]; ok {
			out[i].Enabled = enabled
		}
	}
	return append(out, doc.Rules...)
}

// rebuild compiles the current document. Callers hold mu, except NewEngine.
func (e *Engine) rebuild() {
	snap := &snapshot{effective: effectiveRules(e.doc)}
	for _, r := range snap.effective {
		if !r.Enabled {
			continue
		}
		re, err := compile(r.Pattern, r.Replacement, e.timeout)
		if err != nil {
			logging.L.Error("redaction rule failed to compile", zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		snap.active = append(snap.active, compiledRule{id: r.ID, re: re, repl: translateReplacement(r.Replacement)})
	}
	e.current.Store(snap)
	rulesLoaded.Set(float64(len(snap.active)))
}

func (e *Engine) persist(doc RuleSet) error {
	if e.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rule set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create rule set dir: %w", err)
	}
	if err := renameio.WriteFile(e.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write rule set: %w", err)
	}
	return nil
}

// commit persists doc and makes it current. Callers hold mu.
func (e *Engine) commit(doc RuleSet) error {
	if err := e.persist(doc); err != nil {
		return err
	}
	e.doc = doc
	e.rebuild()
	return nil
}

func cloneDoc(doc RuleSet) RuleSet {
	return RuleSet{
		Rules:            append([]Rule{}, doc.Rules...),
		BuiltinOverrides: append([]BuiltinOverride{}, doc.BuiltinOverrides...),
	}
}

// EffectiveRules lists builtins followed by user rules in creation order,
// each with its effective enabled flag.
func (e *Engine) EffectiveRules() []Rule {
	return append([]Rule{}, e.current.Load().effective...)
}

// Rule looks up one effective rule.
func (e *Engine) Rule(id string) (Rule, bool) {
	for _, r := range e.current.Load().effective {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Document returns the persisted form of the rule set.
func (e *Engine) Document() RuleSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneDoc(e.doc)
}

// Save replaces the whole rule set. Invalid user rules and unknown overrides
// are dropped and reported; more than MaxUserRules rejects the save.
func (e *Engine) Save(doc RuleSet) ([]string, error) {
	if len(doc.Rules) > MaxUserRules {
		return nil, ErrTooManyRules
	}
	clean, dropped := sanitize(doc)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.commit(clean); err != nil {
		return nil, err
	}
	return dropped, nil
}

// Create appends a user rule.
func (e *Engine) Create(r Rule) (Rule, error) {
	r.Builtin = false
	if isBuiltinID(r.ID) {
		return Rule{}, ErrDuplicateID
	}
	if err := ValidateRule(r); err != nil {
		return Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.doc.Rules {
		if existing.ID == r.ID {
			return Rule{}, ErrDuplicateID
		}
	}
	if len(e.doc.Rules) >= MaxUserRules {
		return Rule{}, ErrTooManyRules
	}

	doc := cloneDoc(e.doc)
	doc.Rules = append(doc.Rules, r)
	if err := e.commit(doc); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Update changes a rule in place. Builtin rules only accept Enabled.
func (e *Engine) Update(id string, upd RuleUpdate) (Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if isBuiltinID(id) {
		if upd.Name != nil || upd.Pattern != nil || upd.Replacement != nil {
			return Rule{}, ErrBuiltinRule
		}
		doc := cloneDoc(e.doc)
		if upd.Enabled != nil {
			doc.BuiltinOverrides = setOverride(doc.BuiltinOverrides, id, *upd.Enabled)
		}
		if err := e.commit(doc); err != nil {
			return Rule{}, err
		}
		r, _ := e.Rule(id)
		return r, nil
	}

	doc := cloneDoc(e.doc)
	for i, r := range doc.Rules {
		if r.ID != id {
			continue
		}
		if upd.Name != nil {
			r.Name = *upd.Name
		}
		if upd.Pattern != nil {
			r.Pattern = *upd.Pattern
		}
		if upd.Replacement != nil {
			r.Replacement = *upd.Replacement
		}
		if upd.Enabled != nil {
			r.Enabled = *upd.Enabled
		}
		if err := ValidateRule(r); err != nil {
			return Rule{}, err
		}
		doc.Rules[i] = r
		if err := e.commit(doc); err != nil {
			return Rule{}, err
		}
		return r, nil
	}
	return Rule{}, ErrRuleNotFound
}

func setOverride(overrides []BuiltinOverride, id string, enabled bool) []BuiltinOverride {
	m := make(map[string]bool, len(overrides)+1)
	for _, o := range overrides {
		m[o.ID] = o.Enabled
	}
	m[id] = enabled

	out := make([]BuiltinOverride, 0, len(m))
	for _, b := range builtinRules {
		if v, ok := m[b.ID]; ok {
			out = append(out, BuiltinOverride{ID: b.ID, Enabled: v})
		}
	}
	return out
}

// Delete removes a user rule.
func (e *Engine) Delete(id string) error {
	if isBuiltinID(id) {
		return ErrBuiltinRule
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	doc := cloneDoc(e.doc)
	for i, r := range doc.Rules {
		if r.ID == id {
			doc.Rules = append(doc.Rules[:i], doc.Rules[i+1:]...)
			return e.commit(doc)
		}
	}
	return ErrRuleNotFound
}

// SetRuleTimeout changes the per-rule bound used during redaction.
func (e *Engine) SetRuleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRuleTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if d == e.timeout {
		return
	}
	e.timeout = d
	e.rebuild()
}

// Redact returns a copy of v with every string leaf and every map key passed
// through the enabled rules. Non-string leaves are kept as they are.
func (e *Engine) Redact(v any) any {
	return redactValue(v, e.current.Load().active)
}

// RedactString applies the enabled rules to one string.
func (e *Engine) RedactString(s string) string {
	return applyRules(s, e.current.Load().active)
}

func redactValue(v any, rules []compiledRule) any {
	switch t := v.(type) {
	case string:
		return applyRules(t, rules)
	case map[string]any:
		out := make(map[string]any, len(t))
		for _, k := range sortedKeys(t) {
			out[uniqueKey(out, applyRules(k, rules))] = redactValue(t[k], rules)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = redactValue(child, rules)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for _, k := range sortedKeys(t) {
			out[uniqueKey(out, applyRules(k, rules))] = applyRules(t[k], rules)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = applyRules(s, rules)
		}
		return out
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// uniqueKey keeps keys that redact to the same text apart by suffixing the
// later ones with "#2", "#3", ...
func uniqueKey[V any](m map[string]V, k string) string {
	if _, taken := m[k]; !taken {
		return k
	}
	for i := 2; ; i++ {
		candidate := k + "#" + strconv.Itoa(i)
		if _, taken := m[candidate]; !taken {
			return candidate
		}
	}
}

func applyRules(s string, rules []compiledRule) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		out, err := r.re.Replace(s, r.repl, -1, -1)
		if err != nil {
			// Replacement templates are checked at compile time, so a
			// failure here is the match timeout.
			ruleTimeouts.WithLabelValues(r.id).Inc()
			logging.L.Warn("redaction rule timed out, value withheld",
				zap.String("rule", r.id), zap.Int("length", len(s)))
			return TimeoutPlaceholder
		}
		s = out
	}
	return s
}
