package contracts

import "time"

// Intent is a request to change master data. It is not a fact: it becomes
// one only after the rules engine approves it and the event commits.
type Intent struct {
	IntentType            string         `json:"intent_type"`
	Data                  map[string]any `json:"data"`
	Scope                 Scope          `json:"scope"`
	Actor                 Actor          `json:"actor"`
	IdempotencyKey        string         `json:"idempotency_key,omitempty"`
	CorrelationID         string         `json:"correlation_id,omitempty"`
	CausedByEventID       string         `json:"caused_by_event_id,omitempty"`
	ExpectedEntityVersion *int64         `json:"expected_entity_version,omitempty"`
	EffectiveDate         string         `json:"effective_date,omitempty"`
	OccurredAt            *time.Time     `json:"occurred_at,omitempty"`
}

// Pipeline result statuses. Rejection and routing are successful pipeline
// outcomes, not errors; only Status "completed" implies a committed event.
const (
	StatusCompleted       = "completed"
	StatusRejected        = "rejected"
	StatusPendingApproval = "pending_approval"
)

// IntentResult is what the pipeline returns for a submitted intent.
type IntentResult struct {
	Success              bool        `json:"success"`
	Status               string      `json:"status"`
	IntentID             string      `json:"intent_id,omitempty"`
	EventID              string      `json:"event_id,omitempty"`
	Sequence             Sequence    `json:"sequence,omitempty"`
	EntityType           string      `json:"entity_type,omitempty"`
	EntityID             string      `json:"entity_id,omitempty"`
	EntityVersion        int64       `json:"entity_version,omitempty"`
	Replayed             bool        `json:"replayed,omitempty"`
	Error                string      `json:"error,omitempty"`
	RejectedBy           string      `json:"rejected_by,omitempty"`
	RequiredApproverRole string      `json:"required_approver_role,omitempty"`
	Traces               []RuleTrace `json:"rules_evaluated,omitempty"`
}

// Stored intent statuses.
const (
	IntentPendingApproval = "pending_approval"
	IntentApproved        = "approved"
	IntentRejected        = "rejected"
	IntentCompleted       = "completed"
)

// StoredIntent is an intent persisted for the approval flow. Only intents
// routed for approval are stored; straight-through traffic never lands here.
type StoredIntent struct {
	IntentID             string         `json:"intent_id"`
	IntentType           string         `json:"intent_type"`
	Status               string         `json:"status"`
	Actor                Actor          `json:"actor"`
	Scope                Scope          `json:"scope"`
	Data                 map[string]any `json:"data"`
	RequiredApproverRole string         `json:"required_approver_role,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DecidedBy            *Actor         `json:"decided_by,omitempty"`
	DecidedAt            *time.Time     `json:"decided_at,omitempty"`
}
