package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Kind classifies what a ledger entry records.
type Kind string

const (
	// KindDecision is a rule engine evaluation of one ActionContext.
	KindDecision Kind = "decision"
	// KindExecution is a sandbox run outcome (one per termination path).
	KindExecution Kind = "execution"
	// KindTransition is a proposal state machine transition.
	KindTransition Kind = "transition"
)

// Entry is one line in the hash-chained JSONL ledger.
//
// EntryHash = sha256(PrevHash ‖ json(entry with EntryHash cleared)).
// All fields are strings or string-keyed maps of strings so the JSON
// encoding round-trips byte-identically and verification can re-derive
// the hash from a parsed entry.
type Entry struct {
	Seq           uint64            `json:"seq"`
	Timestamp     string            `json:"ts"`
	Kind          Kind              `json:"kind"`
	Actor         string            `json:"actor"`
	Proposal      string            `json:"proposal,omitempty"`
	Capability    string            `json:"capability,omitempty"`
	Target        string            `json:"target,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Effect        string            `json:"effect,omitempty"`
	RuleID        string            `json:"rule_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	PolicyHash    string            `json:"policy_hash,omitempty"`
	PrevHash      string            `json:"prev_hash"`
	EntryHash     string            `json:"entry_hash"`
}

// GenesisHash is the prev_hash of the first entry in a new ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// computeHash derives the entry hash from the chain predecessor and the
// entry's own serialized fields. The EntryHash field itself is excluded.
func computeHash(e Entry) (string, error) {
	e.EntryHash = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(payload)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
