package model

import "time"

// ProposalState is one station in the governance state machine.
type ProposalState string

const (
	StateSubmitted        ProposalState = "submitted"
	StateInspected        ProposalState = "inspected"
	StateExecuted         ProposalState = "executed"
	StateAwaitingApproval ProposalState = "awaiting_approval"
	StateApproved         ProposalState = "approved"
	StateApplied          ProposalState = "applied"
	StateRejected         ProposalState = "rejected"
	StateFailed           ProposalState = "failed"
	StateCancelled        ProposalState = "cancelled"
)

// transitions is the complete edge set of the state machine. Anything
// not listed here is an illegal transition, including skipping a state.
var transitions = map[ProposalState][]ProposalState{
	StateSubmitted:        {StateInspected, StateRejected, StateCancelled},
	StateInspected:        {StateExecuted, StateRejected, StateFailed, StateCancelled},
	StateExecuted:         {StateAwaitingApproval, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateApproved, StateRejected, StateCancelled},
	StateApproved:         {StateApplied},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to ProposalState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s ProposalState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Proposal is one governed unit of worker-submitted work tracked through
// the state machine. Mutated only by the lifecycle coordinator; terminal
// states are immutable.
type Proposal struct {
	ID              string        `json:"id"`
	State           ProposalState `json:"state"`
	SubmittedBy     string        `json:"submitted_by"`
	ArtifactPath    string        `json:"artifact_path"`
	ArtifactHash    string        `json:"artifact_hash"`
	DeclaredOutputs []string      `json:"declared_outputs,omitempty"`
	LedgerSeqs      []uint64      `json:"ledger_seqs,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
