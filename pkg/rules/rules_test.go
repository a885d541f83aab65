package rules

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func mustEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(opts...)
	require.NoError(t, err)
	return e
}

func TestLoadYAMLAndEvaluationOrder(t *testing.T) {
	e := mustEngine(t)
	err := e.LoadYAML([]byte(`
ruleset: vendor
rules:
  - id: decide-late
    name: Decide late
    priority: 20
    intent_type: mdm.vendor.create
    phase: decide
    action: approve
  - id: validate-first
    name: Validate first
    priority: 10
    intent_type: mdm.vendor.create
    phase: validate
    action: approve
  - id: enrich-mid
    name: Enrich mid
    priority: 5
    intent_type: mdm.vendor.create
    phase: enrich
    action: enrich
    enrich_fields:
      payment_terms: NET30
  - id: validate-tie
    name: Validate tie
    priority: 10
    intent_type: mdm.vendor.create
    phase: validate
    action: approve
`))
	require.NoError(t, err)

	ordered := e.RulesFor("mdm.vendor.create")
	ids := make([]string, len(ordered))
	for i, r := range ordered {
		ids[i] = r.ID
	}
	// Phases first, then priority, then source order on ties.
	require.Equal(t, []string{"validate-first", "validate-tie", "enrich-mid", "decide-late"}, ids)
}

func TestLoadValidation(t *testing.T) {
	base := Rule{ID: "r1", Name: "R1", Phase: PhaseValidate, Action: ActionApprove, IntentType: "x"}

	cases := []struct {
		name   string
		mutate func(*Rule)
		errMsg string
	}{
		{"missing id", func(r *Rule) { r.ID = "" }, "missing id"},
		{"bad phase", func(r *Rule) { r.Phase = "sometime" }, "unknown phase"},
		{"bad action", func(r *Rule) { r.Action = "explode" }, "unknown action"},
		{"reject without message", func(r *Rule) { r.Action = ActionReject }, "rejection_message"},
		{"route without role", func(r *Rule) { r.Action = ActionRouteForApproval }, "approver_role"},
		{"enrich without fields", func(r *Rule) { r.Action = ActionEnrich }, "enrich_fields"},
		{"unknown operator", func(r *Rule) {
			r.Conditions = []Condition{{Field: "a", Operator: "almost_eq"}}
		}, "unknown operator"},
		{"in without list", func(r *Rule) {
			r.Conditions = []Condition{{Field: "a", Operator: "in", Value: "DE"}}
		}, "must be a list"},
		{"bad regex", func(r *Rule) {
			r.Conditions = []Condition{{Field: "a", Operator: "matches", Value: "("}}
		}, "bad pattern"},
		{"bad effective date", func(r *Rule) { r.EffectiveFrom = "March 1st" }, "effective_from"},
		{"bad expr", func(r *Rule) { r.Expr = "context.." }, "expr compilation failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := mustEngine(t)
			r := base
			tc.mutate(&r)
			err := e.Load(r)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		e := mustEngine(t)
		require.NoError(t, e.Load(base))
		err := e.Load(base)
		require.ErrorContains(t, err, "duplicate id")
	})
}

func TestEvaluateApprovesByDefault(t *testing.T) {
	e := mustEngine(t)
	out := e.Evaluate("mdm.vendor.create", map[string]any{"name": "Acme"})
	require.Equal(t, DecisionApprove, out.Decision)
	require.Empty(t, out.Traces)
}

func TestEvaluateRejectShortCircuits(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "name-required", Name: "Name required", Priority: 10,
			IntentType: "mdm.vendor.create", Phase: PhaseValidate, Action: ActionReject,
			RejectionMessage: "vendor name is required",
			Conditions:       []Condition{{Field: "_name_missing", Operator: "eq", Value: true}},
		},
		Rule{
			ID: "country-terms", Name: "Country terms", Priority: 10,
			IntentType: "mdm.vendor.create", Phase: PhaseEnrich, Action: ActionEnrich,
			EnrichFields: map[string]any{"payment_terms": "NET30"},
		},
		Rule{
			ID: "always-approve", Name: "Approve", Priority: 10,
			IntentType: "mdm.vendor.create", Phase: PhaseDecide, Action: ActionApprove,
		},
	))

	out := e.Evaluate("mdm.vendor.create", map[string]any{"_name_missing": true})
	require.Equal(t, DecisionReject, out.Decision)
	require.Equal(t, "name-required", out.RejectedBy)
	require.Equal(t, "vendor name is required", out.RejectionMessage)

	require.Len(t, out.Traces, 3)
	require.Equal(t, contracts.TraceFired, out.Traces[0].Result)
	require.Equal(t, contracts.TraceNotApplicable, out.Traces[1].Result)
	require.Contains(t, out.Traces[1].Detail, "short-circuited by name-required")
	require.Equal(t, contracts.TraceNotApplicable, out.Traces[2].Result)

	// Enrichment never ran.
	require.Empty(t, out.Enriched)
}

func TestEvaluateEnrichFeedsLaterRules(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "default-terms", Name: "Default terms for DE", Priority: 10,
			IntentType: "mdm.vendor.create", Phase: PhaseEnrich, Action: ActionEnrich,
			Conditions:   []Condition{{Field: "country", Operator: "eq", Value: "DE"}},
			EnrichFields: map[string]any{"payment_terms": "NET30"},
		},
		Rule{
			ID: "terms-need-signoff", Name: "NET30 needs signoff", Priority: 10,
			IntentType: "mdm.vendor.create", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "finance_manager",
			Conditions:   []Condition{{Field: "payment_terms", Operator: "eq", Value: "NET30"}},
		},
	))

	out := e.Evaluate("mdm.vendor.create", map[string]any{"country": "DE"})
	require.Equal(t, DecisionRouteForApproval, out.Decision)
	require.Equal(t, "finance_manager", out.RequiredApproverRole)
	require.Equal(t, "NET30", out.Enriched["payment_terms"])
	require.Equal(t, "NET30", out.Context["payment_terms"])

	// Without the trigger the decide rule sees no payment_terms.
	out = e.Evaluate("mdm.vendor.create", map[string]any{"country": "US"})
	require.Equal(t, DecisionApprove, out.Decision)
	require.Empty(t, out.Enriched)
}

func TestEvaluateEarliestApproverRoleWins(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "route-finance", Name: "Finance", Priority: 10,
			IntentType: "mdm.item.create", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "finance_manager",
		},
		Rule{
			ID: "route-cfo", Name: "CFO", Priority: 20,
			IntentType: "mdm.item.create", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "cfo",
		},
	))

	out := e.Evaluate("mdm.item.create", map[string]any{})
	require.Equal(t, DecisionRouteForApproval, out.Decision)
	require.Equal(t, "finance_manager", out.RequiredApproverRole)
	require.Equal(t, "route-finance", out.RoutedBy)
	require.Equal(t, contracts.TraceFired, out.Traces[0].Result)
	require.Equal(t, contracts.TraceFired, out.Traces[1].Result)
}

func TestEvaluateRejectAfterRouteWins(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "route-first", Name: "Route", Priority: 10,
			IntentType: "mdm.item.create", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "finance_manager",
		},
		Rule{
			ID: "reject-later", Name: "Reject", Priority: 20,
			IntentType: "mdm.item.create", Phase: PhaseDecide, Action: ActionReject,
			RejectionMessage: "blocked category",
		},
	))

	out := e.Evaluate("mdm.item.create", map[string]any{})
	require.Equal(t, DecisionReject, out.Decision)
	require.Equal(t, "blocked category", out.RejectionMessage)
	require.Equal(t, "finance_manager", out.RequiredApproverRole)
}

func TestEvaluateEffectiveWindow(t *testing.T) {
	today := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	e := mustEngine(t, WithClock(func() time.Time { return today }))
	require.NoError(t, e.Load(
		Rule{
			ID: "expired", Name: "Expired", Priority: 10, IntentType: "x",
			Phase: PhaseValidate, Action: ActionReject, RejectionMessage: "no",
			EffectiveTo: "2025-01-31",
		},
		Rule{
			ID: "future", Name: "Future", Priority: 20, IntentType: "x",
			Phase: PhaseValidate, Action: ActionReject, RejectionMessage: "no",
			EffectiveFrom: "2026-01-01",
		},
		Rule{
			ID: "current", Name: "Current", Priority: 30, IntentType: "x",
			Phase: PhaseValidate, Action: ActionReject, RejectionMessage: "in window",
			EffectiveFrom: "2025-06-01", EffectiveTo: "2025-06-30",
		},
	))

	out := e.Evaluate("x", map[string]any{})
	require.Equal(t, DecisionReject, out.Decision)
	require.Equal(t, "current", out.RejectedBy)
	require.Equal(t, contracts.TraceSkippedInactive, out.Traces[0].Result)
	require.Equal(t, contracts.TraceSkippedInactive, out.Traces[1].Result)
	require.Equal(t, contracts.TraceFired, out.Traces[2].Result)
}

func TestEvaluateCELExpr(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "high-value", Name: "High value", Priority: 10,
			IntentType: "mdm.item.create", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "finance_manager",
			Expr:         `context.unit_price > 10000.0`,
		},
	))

	out := e.Evaluate("mdm.item.create", map[string]any{"unit_price": 25000.0})
	require.Equal(t, DecisionRouteForApproval, out.Decision)

	out = e.Evaluate("mdm.item.create", map[string]any{"unit_price": 5.0})
	require.Equal(t, DecisionApprove, out.Decision)
	require.Equal(t, contracts.TraceConditionFalse, out.Traces[0].Result)
}

func TestEvaluateCELErrorFailsClosed(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "blocking", Name: "Blocking", Priority: 10,
			IntentType: "x", Phase: PhaseDecide, Action: ActionRouteForApproval,
			ApproverRole: "reviewer",
			Expr:         `context.unit_price > 10000.0`,
		},
		Rule{
			ID: "enriching", Name: "Enriching", Priority: 20,
			IntentType: "x", Phase: PhaseEnrich, Action: ActionEnrich,
			EnrichFields: map[string]any{"flag": true},
			Expr:         `context.unit_price > 10000.0`,
		},
	))

	// unit_price missing: the expr errors. The blocking rule fires anyway,
	// the enrichment stays off.
	out := e.Evaluate("x", map[string]any{})
	require.Equal(t, DecisionRouteForApproval, out.Decision)
	require.Empty(t, out.Enriched)

	var blockingTrace, enrichTrace contracts.RuleTrace
	for _, tr := range out.Traces {
		switch tr.RuleID {
		case "blocking":
			blockingTrace = tr
		case "enriching":
			enrichTrace = tr
		}
	}
	require.Equal(t, contracts.TraceFired, blockingTrace.Result)
	require.Contains(t, blockingTrace.Detail, "fail closed")
	require.Equal(t, contracts.TraceConditionFalse, enrichTrace.Result)
}

func TestWildcardIntentType(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.Load(
		Rule{
			ID: "tenant-required", Name: "Tenant required", Priority: 1,
			Phase: PhaseValidate, Action: ActionReject, RejectionMessage: "tenant missing",
			Conditions: []Condition{{Field: "_tenant_missing", Operator: "eq", Value: true}},
		},
	))

	for _, intentType := range []string{"mdm.vendor.create", "mdm.item.update"} {
		out := e.Evaluate(intentType, map[string]any{"_tenant_missing": true})
		require.Equal(t, DecisionReject, out.Decision, intentType)
	}
}

func TestConditionOperators(t *testing.T) {
	patterns := map[string]*regexp.Regexp{`^SKU-\d+$`: regexp.MustCompile(`^SKU-\d+$`)}
	ctx := map[string]any{
		"name":    "Acme",
		"country": "DE",
		"price":   42.5,
		"count":   3, // YAML-style int meets JSON-style float64 in rules
		"empty":   "",
		"sku":     "SKU-100",
		"nested":  map[string]any{"status": "active"},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "country", Operator: "eq", Value: "DE"}, true},
		{"eq string miss", Condition{Field: "country", Operator: "eq", Value: "US"}, false},
		{"eq numeric coercion", Condition{Field: "count", Operator: "eq", Value: 3.0}, true},
		{"eq missing field", Condition{Field: "ghost", Operator: "eq", Value: "x"}, false},
		{"neq", Condition{Field: "country", Operator: "neq", Value: "US"}, true},
		{"neq missing field", Condition{Field: "ghost", Operator: "neq", Value: "x"}, true},
		{"not_empty", Condition{Field: "name", Operator: "not_empty"}, true},
		{"not_empty empty string", Condition{Field: "empty", Operator: "not_empty"}, false},
		{"not_empty missing", Condition{Field: "ghost", Operator: "not_empty"}, false},
		{"exists", Condition{Field: "empty", Operator: "exists"}, true},
		{"exists missing", Condition{Field: "ghost", Operator: "exists"}, false},
		{"in", Condition{Field: "country", Operator: "in", Value: []any{"DE", "AT"}}, true},
		{"in miss", Condition{Field: "country", Operator: "in", Value: []any{"US"}}, false},
		{"not_in", Condition{Field: "country", Operator: "not_in", Value: []any{"US"}}, true},
		{"not_in missing field", Condition{Field: "ghost", Operator: "not_in", Value: []any{"US"}}, true},
		{"gt", Condition{Field: "price", Operator: "gt", Value: 40}, true},
		{"gt false", Condition{Field: "price", Operator: "gt", Value: 50}, false},
		{"gt incomparable", Condition{Field: "name", Operator: "gt", Value: 50}, false},
		{"lt", Condition{Field: "price", Operator: "lt", Value: 50}, true},
		{"lte incomparable", Condition{Field: "name", Operator: "lte", Value: 50}, false},
		{"gte boundary", Condition{Field: "price", Operator: "gte", Value: 42.5}, true},
		{"string ordering", Condition{Field: "country", Operator: "lt", Value: "FR"}, true},
		{"matches", Condition{Field: "sku", Operator: "matches", Value: `^SKU-\d+$`}, true},
		{"matches miss", Condition{Field: "name", Operator: "matches", Value: `^SKU-\d+$`}, false},
		{"dot path", Condition{Field: "nested.status", Operator: "eq", Value: "active"}, true},
		{"dot path missing leaf", Condition{Field: "nested.ghost", Operator: "exists"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := matchConditions([]Condition{tc.cond}, ctx, patterns)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestEveryRuleEmitsExactlyOneTrace(t *testing.T) {
	e := mustEngine(t)
	require.NoError(t, e.LoadYAML([]byte(`
ruleset: mixed
rules:
  - id: r1
    name: R1
    priority: 1
    intent_type: x
    phase: validate
    action: reject
    rejection_message: stop
    conditions:
      - field: stop
        operator: eq
        value: true
  - id: r2
    name: R2
    priority: 2
    intent_type: x
    phase: enrich
    action: enrich
    enrich_fields:
      extra: 1
  - id: r3
    name: R3
    priority: 3
    intent_type: x
    phase: decide
    action: approve
    effective_to: "2000-01-01"
`)))

	out := e.Evaluate("x", map[string]any{"stop": false})
	require.Len(t, out.Traces, 3)
	seen := map[string]int{}
	for _, tr := range out.Traces {
		seen[tr.RuleID]++
	}
	require.Equal(t, map[string]int{"r1": 1, "r2": 1, "r3": 1}, seen)
	require.Equal(t, contracts.TraceConditionFalse, out.Traces[0].Result)
	require.Equal(t, contracts.TraceFired, out.Traces[1].Result)
	require.Equal(t, contracts.TraceSkippedInactive, out.Traces[2].Result)
}
