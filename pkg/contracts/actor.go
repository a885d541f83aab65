package contracts

// ActorType distinguishes who (or what) is acting.
type ActorType string

// Actor type constants.
const (
	ActorTypeHuman    ActorType = "human"
	ActorTypeAgent    ActorType = "agent"
	ActorTypeSystem   ActorType = "system"
	ActorTypeExternal ActorType = "external"
	ActorTypeImport   ActorType = "import"
)

// Actor is the authenticated principal attributed to intents and events.
// It is resolved from JWT claims by pkg/auth, or synthesized in development
// mode when no signing secret is configured.
type Actor struct {
	ActorID      string    `json:"actor_id"`
	ActorType    ActorType `json:"actor_type"`
	DisplayName  string    `json:"display_name,omitempty"`
	LegalEntity  string    `json:"legal_entity,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
}

// HasCapability reports whether the actor may submit the given intent type.
// The "*" capability grants everything.
func (a Actor) HasCapability(intentType string) bool {
	for _, c := range a.Capabilities {
		if c == "*" || c == intentType {
			return true
		}
	}
	return false
}

// HasRole reports whether the actor holds the named role. The "*" role
// grants every role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == "*" || r == role {
			return true
		}
	}
	return false
}

// Scope pins a record to a tenant and legal entity. Every event and entity
// carries one; uniqueness checks and projections are scoped by it.
type Scope struct {
	TenantID    string `json:"tenant_id"`
	LegalEntity string `json:"legal_entity"`
}
