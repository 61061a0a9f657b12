package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
)

type fakeReviewer struct {
	proposals  map[string]model.Proposal
	approveErr error
}

func (f *fakeReviewer) Approve(ctx context.Context, id, reviewer string) (model.Proposal, error) {
	p := f.proposals[id]
	if f.approveErr != nil {
		return p, f.approveErr
	}
	p.State = model.StateApplied
	f.proposals[id] = p
	return p, nil
}

func (f *fakeReviewer) Reject(ctx context.Context, id, reviewer, reason string) (model.Proposal, error) {
	p := f.proposals[id]
	p.State = model.StateRejected
	p.FailureReason = reason
	f.proposals[id] = p
	return p, nil
}

func (f *fakeReviewer) Cancel(ctx context.Context, id string) error {
	p, ok := f.proposals[id]
	if !ok {
		return errors.New("not found")
	}
	p.State = model.StateCancelled
	f.proposals[id] = p
	return nil
}

func (f *fakeReviewer) Get(ctx context.Context, id string) (model.Proposal, error) {
	p, ok := f.proposals[id]
	if !ok {
		return model.Proposal{}, errors.New("not found")
	}
	return p, nil
}

func (f *fakeReviewer) List(ctx context.Context, state model.ProposalState, limit int) ([]model.Proposal, error) {
	var out []model.Proposal
	for _, p := range f.proposals {
		if state == "" || p.State == state {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, rev *fakeReviewer) (*Server, string) {
	t.Helper()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	log, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if _, err := log.Append(ledger.Entry{Kind: ledger.KindDecision, Actor: "test", Effect: "allow"}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close ledger: %v", err)
	}

	s, err := New(Config{LedgerPath: ledgerPath}, rev)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, ledgerPath
}

func pendingProposal(id string) model.Proposal {
	return model.Proposal{
		ID:          id,
		State:       model.StateAwaitingApproval,
		SubmittedBy: "worker-1",
	}
}

func TestPendingListsAwaitingApproval(t *testing.T) {
	rev := &fakeReviewer{proposals: map[string]model.Proposal{
		"p1": pendingProposal("p1"),
		"p2": {ID: "p2", State: model.StateRejected},
	}}
	s, _ := newTestServer(t, rev)

	result, out, err := s.handlePending(context.Background(), &mcpsdk.CallToolRequest{}, PendingInput{})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success")
	}
	if len(out.Proposals) != 1 || out.Proposals[0].ID != "p1" {
		t.Fatalf("proposals = %+v", out.Proposals)
	}
}

func TestApproveAppliesProposal(t *testing.T) {
	rev := &fakeReviewer{proposals: map[string]model.Proposal{"p1": pendingProposal("p1")}}
	s, _ := newTestServer(t, rev)

	result, out, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{ID: "p1"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("approve errored: %s", out.Error)
	}
	if out.State != string(model.StateApplied) {
		t.Fatalf("state = %s, want applied", out.State)
	}
}

func TestApproveSurfacesCoordinatorError(t *testing.T) {
	rev := &fakeReviewer{
		proposals:  map[string]model.Proposal{"p1": {ID: "p1", State: model.StateRejected}},
		approveErr: errors.New("proposal is not awaiting approval"),
	}
	s, _ := newTestServer(t, rev)

	result, out, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{ID: "p1"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result")
	}
	if out.Error == "" {
		t.Fatal("error detail missing")
	}
	if out.State != string(model.StateRejected) {
		t.Fatalf("state = %s, want rejected (unchanged)", out.State)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	rev := &fakeReviewer{proposals: map[string]model.Proposal{"p1": pendingProposal("p1")}}
	s, _ := newTestServer(t, rev)

	_, out, err := s.handleReject(context.Background(), &mcpsdk.CallToolRequest{}, RejectInput{ID: "p1", Reason: "not wanted"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.State != string(model.StateRejected) {
		t.Fatalf("state = %s", out.State)
	}
	if rev.proposals["p1"].FailureReason != "not wanted" {
		t.Fatalf("reason = %q", rev.proposals["p1"].FailureReason)
	}
}

func TestCancel(t *testing.T) {
	rev := &fakeReviewer{proposals: map[string]model.Proposal{"p1": pendingProposal("p1")}}
	s, _ := newTestServer(t, rev)

	result, out, err := s.handleCancel(context.Background(), &mcpsdk.CallToolRequest{}, CancelInput{ID: "p1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("cancel errored: %s", out.Error)
	}
	if out.State != string(model.StateCancelled) {
		t.Fatalf("state = %s", out.State)
	}
}

func TestLedgerVerify(t *testing.T) {
	rev := &fakeReviewer{proposals: map[string]model.Proposal{}}
	s, _ := newTestServer(t, rev)

	result, out, err := s.handleLedgerVerify(context.Background(), &mcpsdk.CallToolRequest{}, VerifyInput{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("verify errored: %+v", out)
	}
	if !out.Valid || out.Entries != 1 {
		t.Fatalf("verify = %+v", out)
	}
}
