package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
)

// --- Input/Output types ---

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists proposals awaiting approval.
type PendingOutput struct {
	Proposals []ProposalItem `json:"proposals"`
}

// ProposalItem is one proposal summary.
type ProposalItem struct {
	ID            string   `json:"id"`
	State         string   `json:"state"`
	SubmittedBy   string   `json:"submitted_by"`
	ArtifactHash  string   `json:"artifact_hash"`
	Outputs       []string `json:"declared_outputs,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

// StatusInput selects one proposal.
type StatusInput struct {
	ID string `json:"id" jsonschema:"proposal id"`
}

// StatusOutput is the full proposal record.
type StatusOutput struct {
	ProposalItem
	LedgerSeqs []uint64 `json:"ledger_seqs,omitempty"`
}

// ApproveInput defines parameters for gavel_approve.
type ApproveInput struct {
	ID       string `json:"id" jsonschema:"proposal id"`
	Reviewer string `json:"reviewer,omitempty" jsonschema:"reviewer identity recorded in the ledger"`
}

// DecisionOutput reports the proposal state after a review action.
type DecisionOutput struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// RejectInput defines parameters for gavel_reject.
type RejectInput struct {
	ID       string `json:"id" jsonschema:"proposal id"`
	Reviewer string `json:"reviewer,omitempty" jsonschema:"reviewer identity recorded in the ledger"`
	Reason   string `json:"reason,omitempty" jsonschema:"why the proposal is rejected"`
}

// CancelInput defines parameters for gavel_cancel.
type CancelInput struct {
	ID string `json:"id" jsonschema:"proposal id"`
}

// VerifyInput is empty; the server verifies its own ledger.
type VerifyInput struct{}

// VerifyOutput reports the chain verification result.
type VerifyOutput struct {
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	CorruptAt uint64 `json:"corrupt_at,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// --- Handlers ---

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	proposals, err := s.reviewer.List(ctx, model.StateAwaitingApproval, 0)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, PendingOutput{}, err
	}
	out := PendingOutput{Proposals: make([]ProposalItem, 0, len(proposals))}
	for _, p := range proposals {
		out.Proposals = append(out.Proposals, proposalItem(p))
	}
	return nil, out, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.reviewer.Get(ctx, input.ID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, StatusOutput{}, err
	}
	return nil, StatusOutput{ProposalItem: proposalItem(p), LedgerSeqs: p.LedgerSeqs}, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	reviewer := input.Reviewer
	if reviewer == "" {
		reviewer = s.actor
	}
	p, err := s.reviewer.Approve(ctx, input.ID, reviewer)
	if err != nil {
		// The proposal record is still meaningful: a denied merge
		// leaves it Approved, a wrong-state call leaves it untouched.
		return &mcpsdk.CallToolResult{IsError: true}, DecisionOutput{
			ID:    input.ID,
			State: string(p.State),
			Error: err.Error(),
		}, nil
	}
	return nil, DecisionOutput{ID: p.ID, State: string(p.State)}, nil
}

func (s *Server) handleReject(ctx context.Context, req *mcpsdk.CallToolRequest, input RejectInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	reviewer := input.Reviewer
	if reviewer == "" {
		reviewer = s.actor
	}
	p, err := s.reviewer.Reject(ctx, input.ID, reviewer, input.Reason)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DecisionOutput{
			ID:    input.ID,
			State: string(p.State),
			Error: err.Error(),
		}, nil
	}
	return nil, DecisionOutput{ID: p.ID, State: string(p.State)}, nil
}

func (s *Server) handleCancel(ctx context.Context, req *mcpsdk.CallToolRequest, input CancelInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	if err := s.reviewer.Cancel(ctx, input.ID); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DecisionOutput{
			ID:    input.ID,
			Error: err.Error(),
		}, nil
	}
	p, err := s.reviewer.Get(ctx, input.ID)
	if err != nil {
		return nil, DecisionOutput{ID: input.ID, State: "cancelling"}, nil
	}
	return nil, DecisionOutput{ID: p.ID, State: string(p.State)}, nil
}

func (s *Server) handleLedgerVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	res := ledger.VerifyFile(s.ledgerPath)
	out := VerifyOutput{
		Valid:     res.Valid,
		Entries:   res.Entries,
		CorruptAt: res.CorruptAt,
		Detail:    res.Detail,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func proposalItem(p model.Proposal) ProposalItem {
	return ProposalItem{
		ID:            p.ID,
		State:         string(p.State),
		SubmittedBy:   p.SubmittedBy,
		ArtifactHash:  p.ArtifactHash,
		Outputs:       p.DeclaredOutputs,
		FailureReason: p.FailureReason,
		UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
