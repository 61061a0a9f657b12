// Package lifecycle drives proposals through the governance state
// machine: inspection, sandboxed execution, human approval, and the
// final gated apply. The coordinator owns all state transitions; the
// store refuses illegal edges and the ledger records every one.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkarpov/gavel/internal/engine"
	"github.com/nkarpov/gavel/internal/inspect"
	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
	"github.com/nkarpov/gavel/internal/proposal"
	"github.com/nkarpov/gavel/internal/sandbox"
)

var (
	ErrNotAwaitingApproval = errors.New("proposal is not awaiting approval")
	ErrNotCancellable      = errors.New("proposal cannot be cancelled in its current state")
	ErrMergeDenied         = errors.New("merge denied by policy")
)

// Inspector is the pre-execution gate. Satisfied by *inspect.Inspector.
type Inspector interface {
	Inspect(name, source, actor, proposalID string) (inspect.Report, error)
}

// Runner executes an approved artifact. Satisfied by *sandbox.Supervisor.
type Runner interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.Result, error)
}

// Config fixes the coordinator's directories and execution defaults.
type Config struct {
	ArtifactDir string   // submitted sources land here
	StageDir    string   // declared outputs staged here after execution
	ApplyDir    string   // approved outputs materialized here
	Runner      []string // argv prefix that executes an artifact, e.g. ["go", "run"]
	Limits      sandbox.Limits
}

// Submission is one incoming unit of worker work.
type Submission struct {
	ProposalID      string
	SubmittedBy     string
	Source          string
	DeclaredOutputs []string
}

// Coordinator services many proposals concurrently. Each submission
// runs its pipeline on its own goroutine; a proposal parked at
// AwaitingApproval holds no goroutine and blocks nobody.
type Coordinator struct {
	cfg    Config
	eng    *engine.Engine
	log    *ledger.Ledger
	store  *proposal.Store
	insp   Inspector
	runner Runner

	mu      sync.Mutex
	running map[string]context.CancelFunc
	done    map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator. The directories in cfg are created on
// first use.
func New(cfg Config, eng *engine.Engine, log *ledger.Ledger, store *proposal.Store, insp Inspector, runner Runner) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		eng:     eng,
		log:     log,
		store:   store,
		insp:    insp,
		runner:  runner,
		running: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
	}
}

// Submit accepts a proposal and starts its pipeline. It returns once
// the proposal is durably recorded as Submitted; inspection and
// execution proceed asynchronously. A proposal id colliding with a
// non-terminal proposal is refused before entering the state machine.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (model.Proposal, error) {
	id := sub.ProposalID
	if id == "" {
		id = uuid.NewString()
	}

	artifactPath := filepath.Join(c.cfg.ArtifactDir, id+".go")
	sum := sha256.Sum256([]byte(sub.Source))

	now := time.Now().UTC()
	p := model.Proposal{
		ID:              id,
		State:           model.StateSubmitted,
		SubmittedBy:     sub.SubmittedBy,
		ArtifactPath:    artifactPath,
		ArtifactHash:    "sha256:" + hex.EncodeToString(sum[:]),
		DeclaredOutputs: sub.DeclaredOutputs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// The collision check runs before anything touches the filesystem:
	// a refused duplicate must not overwrite the artifact of the
	// in-flight proposal it collides with.
	if err := c.store.Create(ctx, p); err != nil {
		return model.Proposal{}, err
	}
	if err := os.MkdirAll(c.cfg.ArtifactDir, 0700); err != nil {
		return model.Proposal{}, fmt.Errorf("lifecycle: submit %s: %w", id, err)
	}
	if err := os.WriteFile(artifactPath, []byte(sub.Source), 0600); err != nil {
		return model.Proposal{}, fmt.Errorf("lifecycle: submit %s: %w", id, err)
	}
	if err := c.record(ctx, id, model.StateSubmitted, "artifact "+p.ArtifactHash); err != nil {
		return model.Proposal{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := make(chan struct{})
	c.mu.Lock()
	c.running[id] = cancel
	c.done[id] = ch
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ch)
		defer func() {
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
			cancel()
		}()
		c.pipeline(runCtx, p, sub)
	}()

	return p, nil
}

// pipeline walks one proposal from Submitted as far as AwaitingApproval
// or a terminal failure state. Approval and apply happen later, on the
// reviewer's call.
func (c *Coordinator) pipeline(ctx context.Context, p model.Proposal, sub Submission) {
	bg := context.Background()

	report, err := c.insp.Inspect(p.ID+".go", sub.Source, sub.SubmittedBy, p.ID)
	if err != nil {
		// Ledger failure: nothing can be recorded, so no state may
		// change either. The pipeline halts with the proposal still
		// Submitted.
		return
	}
	if report.Rejected() {
		c.transition(bg, p.ID, model.StateRejected, rejectionReason(report))
		return
	}
	if err := c.transition(bg, p.ID, model.StateInspected, ""); err != nil {
		return
	}
	if ctx.Err() != nil {
		c.transition(bg, p.ID, model.StateCancelled, "cancelled before execution")
		return
	}

	res, err := c.runner.Run(ctx, sandbox.RunSpec{
		ProposalID:      p.ID,
		Argv:            append(append([]string{}, c.cfg.Runner...), filepath.Base(p.ArtifactPath)),
		Artifact:        p.ArtifactPath,
		DeclaredOutputs: p.DeclaredOutputs,
		StageDir:        c.cfg.StageDir,
		Limits:          c.cfg.Limits,
	})
	if res.LedgerSeq != 0 {
		c.store.AppendSeqs(bg, p.ID, res.LedgerSeq)
	}
	if err != nil {
		// A run that never started because the proposal was cancelled
		// while queued is a cancellation, not a sandbox failure.
		if ctx.Err() != nil {
			c.transition(bg, p.ID, model.StateCancelled, "cancelled while queued")
			return
		}
		c.transition(bg, p.ID, model.StateFailed, "sandbox: "+err.Error())
		return
	}

	switch res.Status {
	case sandbox.StatusCompleted:
	case sandbox.StatusCancelled:
		c.transition(bg, p.ID, model.StateCancelled, "cancelled during execution")
		return
	case sandbox.StatusPolicyViolation:
		c.transition(bg, p.ID, model.StateFailed, "policy violation: "+res.Violation.Reason)
		return
	case sandbox.StatusResourceExceeded:
		c.transition(bg, p.ID, model.StateFailed, "resource ceiling exceeded")
		return
	default:
		c.transition(bg, p.ID, model.StateFailed, fmt.Sprintf("worker crashed with exit code %d", res.ExitCode))
		return
	}

	if err := c.transition(bg, p.ID, model.StateExecuted, ""); err != nil {
		return
	}
	c.transition(bg, p.ID, model.StateAwaitingApproval,
		fmt.Sprintf("%d declared output(s) staged", len(res.Outputs)))
}

// Approve records a human approval and runs the gated apply: the
// code_merge capability must evaluate allow with the approval flag in
// context before any staged output is materialized. A denied merge
// leaves the proposal Approved with nothing applied.
func (c *Coordinator) Approve(ctx context.Context, id, reviewer string) (model.Proposal, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p.State != model.StateAwaitingApproval {
		return p, fmt.Errorf("lifecycle: approve %s: %w (state %s)", id, ErrNotAwaitingApproval, p.State)
	}

	if err := c.transition(ctx, id, model.StateApproved, "approved by "+reviewer); err != nil {
		return p, err
	}

	out, err := c.eng.Evaluate(model.ActionContext{
		Actor:      reviewer,
		Capability: model.CapCodeMerge,
		Target:     "/proposals/" + id,
		Metadata: map[string]string{
			"proposal_id": id,
			"approved":    "true",
			"reviewer":    reviewer,
		},
	})
	if err != nil {
		return p, err
	}
	c.store.AppendSeqs(ctx, id, out.Seq)
	if !out.Allowed() {
		return c.refresh(ctx, id, fmt.Errorf("lifecycle: approve %s: %w: %s", id, ErrMergeDenied, out.Reason))
	}

	if err := c.apply(id, p.DeclaredOutputs); err != nil {
		return c.refresh(ctx, id, fmt.Errorf("lifecycle: apply %s: %w", id, err))
	}
	if err := c.transition(ctx, id, model.StateApplied, "merged by "+reviewer); err != nil {
		return p, err
	}
	return c.refresh(ctx, id, nil)
}

// Reject records a human rejection of a proposal parked at
// AwaitingApproval.
func (c *Coordinator) Reject(ctx context.Context, id, reviewer, reason string) (model.Proposal, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p.State != model.StateAwaitingApproval {
		return p, fmt.Errorf("lifecycle: reject %s: %w (state %s)", id, ErrNotAwaitingApproval, p.State)
	}
	if reason == "" {
		reason = "rejected by " + reviewer
	}
	if err := c.transition(ctx, id, model.StateRejected, reason); err != nil {
		return p, err
	}
	return c.refresh(ctx, id, nil)
}

// Cancel stops a proposal. A running sandbox is forcibly terminated
// and its pipeline waited on, so a nil return means the proposal ended
// Cancelled. A proposal whose run finished or failed before the
// cancellation landed is reported via ErrNotCancellable.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	cancel, inFlight := c.running[id]
	c.mu.Unlock()
	if inFlight {
		cancel()
		select {
		case <-c.Done(id):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch p.State {
	case model.StateCancelled:
		return nil
	case model.StateSubmitted, model.StateInspected, model.StateAwaitingApproval:
		return c.transition(ctx, id, model.StateCancelled, "cancelled by operator")
	default:
		return fmt.Errorf("lifecycle: cancel %s: %w (state %s)", id, ErrNotCancellable, p.State)
	}
}

// Get returns the current proposal record.
func (c *Coordinator) Get(ctx context.Context, id string) (model.Proposal, error) {
	return c.store.Get(ctx, id)
}

// List returns proposals, optionally filtered by state.
func (c *Coordinator) List(ctx context.Context, state model.ProposalState, limit int) ([]model.Proposal, error) {
	return c.store.List(ctx, state, limit)
}

// Done returns a channel closed when the proposal's pipeline goroutine
// has finished (parked at AwaitingApproval or reached a terminal
// state). Unknown ids get an already-closed channel.
func (c *Coordinator) Done(id string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.done[id]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Close cancels all in-flight runs and waits for pipelines to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, cancel := range c.running {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// transition moves the proposal and records the move. The store update
// comes first: it is the authoritative legality check, and a refused
// edge must leave no ledger trace of a transition that never happened.
func (c *Coordinator) transition(ctx context.Context, id string, to model.ProposalState, reason string) error {
	if err := c.store.UpdateState(ctx, id, to, reason); err != nil {
		return err
	}
	return c.record(ctx, id, to, reason)
}

func (c *Coordinator) record(ctx context.Context, id string, state model.ProposalState, reason string) error {
	entry, err := c.log.Append(ledger.Entry{
		Kind:     ledger.KindTransition,
		Actor:    "coordinator",
		Proposal: id,
		Target:   string(state),
		Effect:   string(state),
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: record transition %s -> %s: %w", id, state, err)
	}
	return c.store.AppendSeqs(ctx, id, entry.Seq)
}

func (c *Coordinator) refresh(ctx context.Context, id string, retErr error) (model.Proposal, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	return p, retErr
}

// apply materializes the staged declared outputs into the apply
// directory.
func (c *Coordinator) apply(id string, declared []string) error {
	src := filepath.Join(c.cfg.StageDir, id)
	dst := filepath.Join(c.cfg.ApplyDir, id)
	if err := os.MkdirAll(dst, 0700); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == src {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return err
		}
		return copyRegular(path, target)
	})
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// rejectionReason summarizes the denied findings of a failed
// inspection.
func rejectionReason(r inspect.Report) string {
	for _, f := range r.Findings {
		if f.Decision.Effect == model.Deny {
			return fmt.Sprintf("inspection: %s at %s: %s", f.Kind, f.Pos, f.Decision.Reason)
		}
	}
	return "inspection rejected"
}
