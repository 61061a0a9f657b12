package gavel

import "fmt"

// Capability names understood by the supervisor's rule engine.
const (
	CapabilityExternalRequest = "external_request"
	CapabilityFilesystemWrite = "filesystem_write"
	CapabilityProcessSpawn    = "process_spawn"
)

// Intent is one declared side effect, sent to the supervisor as a JSON
// line on the intent descriptor.
type Intent struct {
	Capability string            `json:"capability"`
	Target     string            `json:"target"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Verdict is the supervisor's reply to one Intent.
type Verdict struct {
	Allow  bool   `json:"allow"`
	RuleID string `json:"rule_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DeniedError is returned by Request when the supervisor denies an
// intent. The process should expect imminent termination.
type DeniedError struct {
	Intent Intent
	RuleID string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("gavel denied %s %q: %s", e.Intent.Capability, e.Intent.Target, e.Reason)
}
