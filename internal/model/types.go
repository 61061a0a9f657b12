package model

// Capability is the closed set of side-effecting action classes subject
// to policy. Adding a category is a compile-time change: every switch over
// Capability must be extended, and policy documents that do not cover the
// mandatory categories fail to load.
type Capability string

const (
	CapExternalRequest Capability = "external_request"
	CapFilesystemWrite Capability = "filesystem_write"
	CapCodeMerge       Capability = "code_merge"
	CapAgentEntry      Capability = "agent_entry"
	CapProcessSpawn    Capability = "process_spawn"
)

// Mandatory lists the categories a policy document must cover to load.
var Mandatory = []Capability{
	CapExternalRequest,
	CapFilesystemWrite,
	CapCodeMerge,
	CapAgentEntry,
}

// ParseCapability maps a string to a Capability. The second return is
// false for anything outside the closed set; callers treat that as deny.
func ParseCapability(s string) (Capability, bool) {
	switch Capability(s) {
	case CapExternalRequest, CapFilesystemWrite, CapCodeMerge, CapAgentEntry, CapProcessSpawn:
		return Capability(s), true
	default:
		return "", false
	}
}

// Effect is the outcome of a rule evaluation.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// ActionContext is the input to one rule evaluation: who wants to do
// what to which target. Created fresh per evaluation and never persisted
// beyond the ledger entry it produces.
type ActionContext struct {
	Actor      string            `json:"actor"`
	Capability Capability        `json:"capability"`
	Target     string            `json:"target"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Decision is the immutable result of evaluating an ActionContext.
type Decision struct {
	Effect Effect `json:"effect"`
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Effect == Allow
}
