// Package rules evaluates declarative business rules against an intent's
// context. Rules are data, loaded from YAML at startup, and run in three
// phases (validate, enrich, decide) so data-quality gates see raw input,
// enrichment can fill defaults, and routing decisions see the enriched
// picture. Every rule leaves a trace; the full trace list is persisted on
// the event the intent produced.
package rules

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"gopkg.in/yaml.v3"
)

// Phases, in evaluation order.
const (
	PhaseValidate = "validate"
	PhaseEnrich   = "enrich"
	PhaseDecide   = "decide"
)

// Actions a fired rule can take.
const (
	ActionApprove          = "approve"
	ActionReject           = "reject"
	ActionRouteForApproval = "route_for_approval"
	ActionEnrich           = "enrich"
)

// Final decisions of an evaluation.
const (
	DecisionApprove          = "approve"
	DecisionReject           = "reject"
	DecisionRouteForApproval = "route_for_approval"
)

// Condition is one predicate over the evaluation context. Field is a
// dot-path; a missing field never satisfies eq, in, gt and friends.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule is one declarative rule. Conditions AND together; Expr, when set, is
// an additional CEL predicate over the same context. A rule with neither
// fires unconditionally.
type Rule struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name" json:"name"`
	Priority         int            `yaml:"priority" json:"priority"`
	IntentType       string         `yaml:"intent_type" json:"intent_type"`
	Phase            string         `yaml:"phase" json:"phase"`
	Conditions       []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Expr             string         `yaml:"expr,omitempty" json:"expr,omitempty"`
	Action           string         `yaml:"action" json:"action"`
	EffectiveFrom    string         `yaml:"effective_from,omitempty" json:"effective_from,omitempty"`
	EffectiveTo      string         `yaml:"effective_to,omitempty" json:"effective_to,omitempty"`
	RejectionMessage string         `yaml:"rejection_message,omitempty" json:"rejection_message,omitempty"`
	ApproverRole     string         `yaml:"approver_role,omitempty" json:"approver_role,omitempty"`
	EnrichFields     map[string]any `yaml:"enrich_fields,omitempty" json:"enrich_fields,omitempty"`
}

// rulesetFile is the on-disk YAML shape.
type rulesetFile struct {
	Ruleset string `yaml:"ruleset"`
	Rules   []Rule `yaml:"rules"`
}

const dateLayout = "2006-01-02"

var validOperators = map[string]bool{
	"eq": true, "neq": true, "not_empty": true, "in": true, "not_in": true,
	"exists": true, "gt": true, "lt": true, "gte": true, "lte": true, "matches": true,
}

// Engine holds the loaded rule set. Loading happens at startup; evaluation
// is read-only and safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	rules    []Rule
	programs map[string]cel.Program
	patterns map[string]*regexp.Regexp
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock fixes today's date for effective-window checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an empty engine with the CEL environment rules may use
// in their expr predicates.
func NewEngine(opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("intent_type", types.StringType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	e := &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
		patterns: make(map[string]*regexp.Regexp),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Load validates and registers rules. Source order is preserved and breaks
// priority ties.
func (e *Engine) Load(rs ...Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range rs {
		if err := e.validate(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if r.Expr != "" {
			ast, issues := e.env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return fmt.Errorf("rule %q: expr compilation failed: %w", r.ID, issues.Err())
			}
			prg, err := e.env.Program(ast)
			if err != nil {
				return fmt.Errorf("rule %q: program construction failed: %w", r.ID, err)
			}
			e.programs[r.ID] = prg
		}
		for _, c := range r.Conditions {
			if c.Operator == "matches" {
				pattern, ok := c.Value.(string)
				if !ok {
					return fmt.Errorf("rule %q: matches value must be a string", r.ID)
				}
				re, err := regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("rule %q: bad pattern %q: %w", r.ID, pattern, err)
				}
				e.patterns[pattern] = re
			}
		}
		e.rules = append(e.rules, r)
	}
	return nil
}

// LoadYAML loads one ruleset document.
func (e *Engine) LoadYAML(data []byte) error {
	var file rulesetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse ruleset: %w", err)
	}
	return e.Load(file.Rules...)
}

// LoadFS loads every .yaml/.yml file under dir in lexical name order, so
// tie-breaking by source order is stable across starts.
func (e *Engine) LoadFS(fsys fs.FS, dir string) (int, error) {
	var names []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matched, err := fs.Glob(fsys, path.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		names = append(names, matched...)
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", name, err)
		}
		if err := e.LoadYAML(data); err != nil {
			return loaded, fmt.Errorf("%s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}

// Rules returns a copy of every loaded rule in source order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// RulesFor returns the rules consulted for one intent type, in evaluation
// order. Rules without an intent_type apply to every intent.
func (e *Engine) RulesFor(intentType string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selectRules(intentType)
}

func (e *Engine) selectRules(intentType string) []Rule {
	type indexed struct {
		rule Rule
		pos  int
	}
	var selected []indexed
	for i, r := range e.rules {
		if r.IntentType == "" || r.IntentType == intentType {
			selected = append(selected, indexed{rule: r, pos: i})
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if pa, pb := phaseOrder(a.rule.Phase), phaseOrder(b.rule.Phase); pa != pb {
			return pa < pb
		}
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority < b.rule.Priority
		}
		return a.pos < b.pos
	})
	out := make([]Rule, len(selected))
	for i, s := range selected {
		out[i] = s.rule
	}
	return out
}

func phaseOrder(phase string) int {
	switch phase {
	case PhaseValidate:
		return 0
	case PhaseEnrich:
		return 1
	default:
		return 2
	}
}

func (e *Engine) validate(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("missing id")
	}
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("duplicate id")
		}
	}
	switch r.Phase {
	case PhaseValidate, PhaseEnrich, PhaseDecide:
	default:
		return fmt.Errorf("unknown phase %q", r.Phase)
	}
	switch r.Action {
	case ActionApprove:
	case ActionReject:
		if r.RejectionMessage == "" {
			return fmt.Errorf("reject action requires rejection_message")
		}
	case ActionRouteForApproval:
		if r.ApproverRole == "" {
			return fmt.Errorf("route_for_approval action requires approver_role")
		}
	case ActionEnrich:
		if len(r.EnrichFields) == 0 {
			return fmt.Errorf("enrich action requires enrich_fields")
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: missing field", i)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Operator == "in" || c.Operator == "not_in" {
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("condition %d: %s value must be a list", i, c.Operator)
			}
		}
	}
	for _, d := range []struct {
		name, value string
	}{{"effective_from", r.EffectiveFrom}, {"effective_to", r.EffectiveTo}} {
		if d.value == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d.value); err != nil {
			return fmt.Errorf("bad %s %q", d.name, d.value)
		}
	}
	return nil
}
