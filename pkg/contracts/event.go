package contracts

import "time"

// Event is one immutable fact on the log. Rows are never updated or deleted;
// corrections are new events.
type Event struct {
	EventID         string         `json:"event_id"`
	Sequence        Sequence       `json:"sequence"`
	EventType       string         `json:"event_type"`
	SchemaVersion   string         `json:"schema_version"`
	OccurredAt      time.Time      `json:"occurred_at"`
	RecordedAt      time.Time      `json:"recorded_at"`
	EffectiveDate   string         `json:"effective_date,omitempty"` // accounting date, YYYY-MM-DD
	Scope           Scope          `json:"scope"`
	Actor           Actor          `json:"actor"`
	IntentID        string         `json:"intent_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	CausedByEventID string         `json:"caused_by_event_id,omitempty"`
	Payload         map[string]any `json:"payload"`
	Entities        []EntityRef    `json:"entities"`
	RulesEvaluated  []RuleTrace    `json:"rules_evaluated"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
}

// EntityRef links an event to an entity it touched, with the entity's
// version after the event applied. Role distinguishes the mutated subject
// from entities the event merely referenced.
type EntityRef struct {
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Role         string `json:"role"`
	VersionAfter int64  `json:"version_after"`
}

// RoleSubject marks the entity an event mutated.
const RoleSubject = "subject"

// Entity is the current state of one master-data record. Version starts at 1
// and increments once per applied event; updates are compare-and-swap on it.
type Entity struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Version     int64          `json:"version"`
	Attributes  map[string]any `json:"attributes"`
	LegalEntity string         `json:"legal_entity"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Trace results, one per rule per evaluation.
const (
	TraceFired           = "fired"
	TraceNotApplicable   = "not_applicable"
	TraceConditionFalse  = "condition_false"
	TraceSkippedInactive = "skipped_inactive"
)

// RuleTrace records how one rule behaved during an evaluation. Every rule in
// the consulted ruleset emits exactly one trace; the full list is stored on
// the resulting event for auditability.
type RuleTrace struct {
	RuleID       string   `json:"rule_id"`
	RuleName     string   `json:"rule_name,omitempty"`
	Phase        string   `json:"phase"`
	Result       string   `json:"result"`
	ActionsTaken []string `json:"actions_taken,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	EvaluationMs float64  `json:"evaluation_ms"`
}
