package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Outcome is the result of evaluating a ruleset against one context.
type Outcome struct {
	Decision             string
	RejectedBy           string
	RejectionMessage     string
	RoutedBy             string
	RequiredApproverRole string
	Enriched             map[string]any
	Context              map[string]any
	Traces               []contracts.RuleTrace
}

// Evaluate runs the rules for intentType over ruleCtx in phase order.
// A firing reject stops evaluation; a firing route_for_approval records the
// earliest approver role; enrich merges fields into the running context so
// later rules see them. Nothing firing means approve.
//
// Evaluation never raises. A CEL expression error fails closed: blocking
// actions (reject, route_for_approval) fire, enrichment does not.
func (e *Engine) Evaluate(intentType string, ruleCtx map[string]any) *Outcome {
	e.mu.RLock()
	selected := e.selectRules(intentType)
	programs := e.programs
	patterns := e.patterns
	e.mu.RUnlock()

	working := make(map[string]any, len(ruleCtx))
	for k, v := range ruleCtx {
		working[k] = v
	}

	out := &Outcome{
		Decision: DecisionApprove,
		Enriched: map[string]any{},
		Context:  working,
		Traces:   make([]contracts.RuleTrace, 0, len(selected)),
	}
	today := e.now().UTC().Format(dateLayout)

	for _, r := range selected {
		trace := contracts.RuleTrace{RuleID: r.ID, RuleName: r.Name, Phase: r.Phase}

		if out.Decision == DecisionReject {
			trace.Result = contracts.TraceNotApplicable
			trace.Detail = "short-circuited by " + out.RejectedBy
			out.Traces = append(out.Traces, trace)
			continue
		}
		if !effectiveOn(r, today) {
			trace.Result = contracts.TraceSkippedInactive
			trace.Detail = "outside effective window"
			out.Traces = append(out.Traces, trace)
			continue
		}

		started := time.Now()
		matched, detail := matchConditions(r.Conditions, working, patterns)
		if matched && r.Expr != "" {
			matched, detail = evalExpr(programs[r.ID], r, intentType, working)
		}
		trace.EvaluationMs = float64(time.Since(started).Microseconds()) / 1000

		if !matched {
			trace.Result = contracts.TraceConditionFalse
			trace.Detail = detail
			out.Traces = append(out.Traces, trace)
			continue
		}

		trace.Result = contracts.TraceFired
		trace.Detail = detail
		switch r.Action {
		case ActionReject:
			trace.ActionsTaken = []string{ActionReject}
			out.Decision = DecisionReject
			out.RejectedBy = r.ID
			out.RejectionMessage = r.RejectionMessage
		case ActionRouteForApproval:
			trace.ActionsTaken = []string{ActionRouteForApproval}
			if out.RequiredApproverRole == "" {
				out.RequiredApproverRole = r.ApproverRole
				out.RoutedBy = r.ID
			}
			out.Decision = DecisionRouteForApproval
		case ActionEnrich:
			keys := make([]string, 0, len(r.EnrichFields))
			for k, v := range r.EnrichFields {
				working[k] = v
				out.Enriched[k] = v
				keys = append(keys, k)
			}
			sort.Strings(keys)
			trace.ActionsTaken = []string{ActionEnrich}
			trace.Detail = "set: " + strings.Join(keys, ", ")
		case ActionApprove:
			trace.ActionsTaken = []string{ActionApprove}
		}
		out.Traces = append(out.Traces, trace)
	}

	return out
}

func effectiveOn(r Rule, today string) bool {
	if r.EffectiveFrom != "" && today < r.EffectiveFrom {
		return false
	}
	if r.EffectiveTo != "" && today > r.EffectiveTo {
		return false
	}
	return true
}

// evalExpr runs a rule's compiled CEL predicate. Errors and non-boolean
// results fail closed per the rule's action.
func evalExpr(prg cel.Program, r Rule, intentType string, working map[string]any) (bool, string) {
	blocking := r.Action == ActionReject || r.Action == ActionRouteForApproval

	if prg == nil {
		return blocking, "expr not compiled (fail closed)"
	}
	out, _, err := prg.Eval(map[string]any{
		"intent_type": intentType,
		"context":     working,
	})
	if err != nil {
		return blocking, fmt.Sprintf("expr error (fail closed): %v", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return blocking, fmt.Sprintf("expr returned %T, want bool (fail closed)", out.Value())
	}
	if !result {
		return false, "expr evaluated to false"
	}
	return true, ""
}

func matchConditions(conditions []Condition, ctx map[string]any, patterns map[string]*regexp.Regexp) (bool, string) {
	for _, c := range conditions {
		got, found := lookupPath(ctx, c.Field)
		ok := false
		switch c.Operator {
		case "eq":
			ok = found && looseEqual(got, c.Value)
		case "neq":
			ok = !found || !looseEqual(got, c.Value)
		case "not_empty":
			ok = found && !isEmpty(got)
		case "exists":
			ok = found
		case "in":
			ok = found && containsLoose(c.Value, got)
		case "not_in":
			ok = !found || !containsLoose(c.Value, got)
		case "gt":
			cmp, comparable := compare(got, c.Value)
			ok = found && comparable && cmp > 0
		case "lt":
			cmp, comparable := compare(got, c.Value)
			ok = found && comparable && cmp < 0
		case "gte":
			cmp, comparable := compare(got, c.Value)
			ok = found && comparable && cmp >= 0
		case "lte":
			cmp, comparable := compare(got, c.Value)
			ok = found && comparable && cmp <= 0
		case "matches":
			pattern, _ := c.Value.(string)
			re := patterns[pattern]
			ok = found && re != nil && re.MatchString(stringify(got))
		}
		if !ok {
			return false, fmt.Sprintf("%s %s failed", c.Field, c.Operator)
		}
	}
	return true, ""
}

// lookupPath walks a dot-path through nested maps.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares with numeric coercion: YAML integers meet JSON
// float64s all the time.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return stringify(a) == stringify(b)
	}
}

func containsLoose(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

// compare orders two values when both are numbers or both are strings.
// The bool reports comparability; ordering operators fail on mixed types.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
