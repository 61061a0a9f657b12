// Package gateway is the spool-directory submission surface: workers
// drop proposal JSON files into an inbox, the gateway feeds them to the
// lifecycle coordinator and writes the pipeline result to an outbox.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nkarpov/gavel/internal/lifecycle"
	"github.com/nkarpov/gavel/internal/model"
)

// Submission is the inbox file format.
type Submission struct {
	ID              string   `json:"id,omitempty"`
	SubmittedBy     string   `json:"submitted_by"`
	Source          string   `json:"source"`
	DeclaredOutputs []string `json:"declared_outputs,omitempty"`
}

// Result is the outbox file format: where the pipeline parked or ended,
// written once the proposal reaches AwaitingApproval or a terminal
// state.
type Result struct {
	ID            string              `json:"id"`
	State         model.ProposalState `json:"state"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CompletedAt   time.Time           `json:"completed_at"`
}

// Coordinator is the slice of the lifecycle coordinator the gateway
// consumes.
type Coordinator interface {
	Submit(ctx context.Context, sub lifecycle.Submission) (model.Proposal, error)
	Done(id string) <-chan struct{}
	Get(ctx context.Context, id string) (model.Proposal, error)
}

// Config holds gateway configuration.
type Config struct {
	Dirs         DirConfig
	PollMode     bool
	PollInterval time.Duration
}

// Gateway watches the inbox and drives submissions through the
// coordinator.
type Gateway struct {
	cfg   Config
	coord Coordinator
}

// New creates a gateway with validated configuration.
func New(cfg Config, coord Coordinator) (*Gateway, error) {
	if cfg.Dirs.Inbox == "" || cfg.Dirs.Outbox == "" || cfg.Dirs.State == "" {
		return nil, fmt.Errorf("gateway: inbox, outbox, and state directories are required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = pollDefault
	}
	return &Gateway{cfg: cfg, coord: coord}, nil
}

// Run starts the gateway. Blocks until ctx is cancelled. On startup it
// fails orphaned processing files and drains any submissions that
// arrived while the gateway was down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := EnsureDirs(g.cfg.Dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	pidPath := filepath.Join(g.cfg.Dirs.State, "gateway.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	if err := g.recoverOrphans(); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}

	handler := func(path string) {
		if err := g.Process(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: process %s: %v\n", filepath.Base(path), err)
		}
	}

	if err := ScanExisting(g.cfg.Dirs.Inbox, handler); err != nil {
		return fmt.Errorf("scan existing: %w", err)
	}

	if g.cfg.PollMode {
		pw := NewPollWatcher(g.cfg.Dirs.Inbox, handler, g.cfg.PollInterval)
		return pw.Run(ctx)
	}

	w := NewInboxWatcher(g.cfg.Dirs.Inbox, handler)
	return w.Run(ctx)
}

// Process handles a single submission file: read, validate, move to
// processing, submit, wait for the pipeline to park or finish, write
// the result to the outbox.
func (g *Gateway) Process(ctx context.Context, path string) error {
	// Symlink defense: a symlinked inbox file could point anywhere on
	// the filesystem and would otherwise be read as a submission.
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat submission: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("rejected symlink: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read submission: %w", err)
	}

	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		_ = os.Remove(path)
		return g.writeResult(Result{
			ID:            strippedName(path),
			State:         model.StateRejected,
			FailureReason: fmt.Sprintf("invalid JSON: %v", err),
			CompletedAt:   time.Now().UTC(),
		})
	}
	if sub.Source == "" {
		_ = os.Remove(path)
		return g.writeResult(Result{
			ID:            submissionID(sub, path),
			State:         model.StateRejected,
			FailureReason: "empty source",
			CompletedAt:   time.Now().UTC(),
		})
	}

	processingPath := filepath.Join(g.cfg.Dirs.ProcessingDir(), submissionID(sub, path)+".json")
	if err := moveFile(path, processingPath); err != nil {
		return fmt.Errorf("move to processing: %w", err)
	}
	defer func() { _ = os.Remove(processingPath) }()

	p, err := g.coord.Submit(ctx, lifecycle.Submission{
		ProposalID:      sub.ID,
		SubmittedBy:     sub.SubmittedBy,
		Source:          sub.Source,
		DeclaredOutputs: sub.DeclaredOutputs,
	})
	if err != nil {
		return g.writeResult(Result{
			ID:            submissionID(sub, path),
			State:         model.StateRejected,
			FailureReason: err.Error(),
			CompletedAt:   time.Now().UTC(),
		})
	}

	select {
	case <-g.coord.Done(p.ID):
	case <-ctx.Done():
		return ctx.Err()
	}

	final, err := g.coord.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("get proposal %s: %w", p.ID, err)
	}
	return g.writeResult(Result{
		ID:            final.ID,
		State:         final.State,
		FailureReason: final.FailureReason,
		CompletedAt:   time.Now().UTC(),
	})
}

// writeResult atomically writes a result file to the outbox.
func (g *Gateway) writeResult(r Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	final := filepath.Join(g.cfg.Dirs.Outbox, r.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return os.Rename(tmp, final)
}

// recoverOrphans fails submissions left in processing by a crash or
// restart.
func (g *Gateway) recoverOrphans() error {
	procDir := g.cfg.Dirs.ProcessingDir()
	entries, err := os.ReadDir(procDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isSubmissionFile(e.Name()) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if err := g.writeResult(Result{
			ID:            id,
			State:         model.StateFailed,
			FailureReason: "interrupted: submission was processing when the gateway stopped",
			CompletedAt:   time.Now().UTC(),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: recover orphan %s: %v\n", id, err)
		}
		_ = os.Remove(filepath.Join(procDir, e.Name()))
	}
	return nil
}

func submissionID(sub Submission, path string) string {
	if sub.ID != "" {
		return sub.ID
	}
	return strippedName(path)
}

func strippedName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// acquirePIDLock writes the current PID, refusing to start when another
// live gateway holds the file.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another gateway is running (PID %d)", pid)
				}
			}
		}
		// Stale PID file.
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
