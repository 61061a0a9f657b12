// Package sandbox runs inspector-approved artifacts in isolated child
// processes. The child's working directory is a fresh confinement root,
// its declared side effects are gated through the rule engine one by
// one before they happen, and every termination path leaves a ledger
// entry. Isolation is cooperative: the supervisor defends against
// policy-violating application behavior, not kernel exploits.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nkarpov/gavel/internal/engine"
	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
	sdk "github.com/nkarpov/gavel/sdk/go/gavel"
)

// DefaultWallClock bounds runs that specify no timeout. Execution is
// never unbounded.
const DefaultWallClock = 30 * time.Second

// memPollInterval is how often the resident set of a running child is
// sampled against the memory ceiling.
const memPollInterval = 50 * time.Millisecond

// maxCapture bounds captured child output.
const maxCapture = 1 << 20

// Status classifies how a run ended.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusPolicyViolation  Status = "policy_violation"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusCancelled        Status = "cancelled"
	StatusCrashed          Status = "crashed"
)

// Limits are the resource ceilings for one run.
type Limits struct {
	WallClock   time.Duration
	MemoryBytes int64
}

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	ProposalID      string
	Argv            []string // command to launch inside the confinement root
	Artifact        string   // host path of the artifact, copied into the root under its base name
	Env             []string // extra environment, appended to the scrubbed base
	DeclaredOutputs []string // root-relative files the worker intends to produce
	StageDir        string   // where surviving declared outputs are staged
	Limits          Limits
}

// Result is the outcome of one run.
type Result struct {
	Status    Status
	ExitCode  int
	Stdout    string
	Stderr    string
	Violation *model.Decision // set when Status is StatusPolicyViolation
	Outputs   []string        // staged declared outputs, root-relative
	Duration  time.Duration
	LedgerSeq uint64
}

// Error is an infrastructure fault while setting up or tearing down a
// run, as opposed to a fault of the artifact itself.
type Error struct {
	ProposalID string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.ProposalID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Supervisor launches and polices sandboxed runs. Runs for distinct
// proposals share nothing but the engine and ledger; a semaphore caps
// how many execute at once, and further runs queue.
type Supervisor struct {
	eng *engine.Engine
	log *ledger.Ledger
	sem chan struct{}
}

// New creates a supervisor with the given concurrency ceiling.
func New(eng *engine.Engine, log *ledger.Ledger, maxConcurrent int) *Supervisor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Supervisor{
		eng: eng,
		log: log,
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Run executes one artifact under confinement. It blocks while queued
// behind the concurrency ceiling, then until the child exits or is
// terminated. Exactly one execution ledger entry is recorded before Run
// returns, whatever the termination path.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "validate", Err: fmt.Errorf("empty argv")}
	}
	if spec.Limits.WallClock <= 0 {
		spec.Limits.WallClock = DefaultWallClock
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "queue", Err: ctx.Err()}
	}
	defer func() { <-s.sem }()

	root, err := os.MkdirTemp("", "gavel-sandbox-"+spec.ProposalID+"-")
	if err != nil {
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "create confinement root", Err: err}
	}
	defer os.RemoveAll(root)

	if spec.Artifact != "" {
		info, err := os.Stat(spec.Artifact)
		if err != nil {
			return Result{}, &Error{ProposalID: spec.ProposalID, Op: "place artifact", Err: err}
		}
		dst := filepath.Join(root, filepath.Base(spec.Artifact))
		if err := copyFile(spec.Artifact, dst, info.Mode()); err != nil {
			return Result{}, &Error{ProposalID: spec.ProposalID, Op: "place artifact", Err: err}
		}
	}

	res, err := s.runInRoot(ctx, spec, root)
	if err != nil {
		return res, err
	}

	if res.Status == StatusCompleted && spec.StageDir != "" {
		staged, err := stageOutputs(root, spec)
		if err != nil {
			return res, &Error{ProposalID: spec.ProposalID, Op: "stage outputs", Err: err}
		}
		res.Outputs = staged
	}

	entry, err := s.log.Append(ledger.Entry{
		Kind:     ledger.KindExecution,
		Actor:    "supervisor",
		Proposal: spec.ProposalID,
		Target:   logicalRoot(spec.ProposalID),
		Effect:   string(res.Status),
		Reason:   executionReason(res),
		Metadata: map[string]string{
			"exit_code":   strconv.Itoa(res.ExitCode),
			"duration_ms": strconv.FormatInt(res.Duration.Milliseconds(), 10),
		},
	})
	if err != nil {
		return res, fmt.Errorf("sandbox: record execution: %w", err)
	}
	res.LedgerSeq = entry.Seq

	return res, nil
}

func (s *Supervisor) runInRoot(ctx context.Context, spec RunSpec, root string) (Result, error) {
	// Intent channel: child writes fd 3, supervisor replies on fd 4.
	intentR, intentW, err := os.Pipe()
	if err != nil {
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "intent pipe", Err: err}
	}
	verdictR, verdictW, err := os.Pipe()
	if err != nil {
		intentR.Close()
		intentW.Close()
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "verdict pipe", Err: err}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = root
	cmd.Env = append([]string{
		"PATH=/usr/bin:/bin",
		"HOME=" + root,
		"TMPDIR=" + root,
		"GAVEL_PROPOSAL=" + spec.ProposalID,
	}, spec.Env...)
	cmd.ExtraFiles = []*os.File{intentW, verdictR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr cappedBuffer
	stdout.max = maxCapture
	stderr.max = maxCapture
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		intentR.Close()
		intentW.Close()
		verdictR.Close()
		verdictW.Close()
		return Result{}, &Error{ProposalID: spec.ProposalID, Op: "start", Err: err}
	}
	// The child inherited its ends; drop ours so the intent stream
	// reaches EOF when the child exits.
	intentW.Close()
	verdictR.Close()
	defer intentR.Close()
	defer verdictW.Close()

	pgid := cmd.Process.Pid
	kill := sync.OnceFunc(func() {
		syscall.Kill(-pgid, syscall.SIGKILL)
	})

	var (
		mu        sync.Mutex
		violation *model.Decision
		timedOut  bool
		overMem   bool
		cancelled bool
	)

	// Intent gate: every declared side effect re-enters the rule
	// engine before it is permitted. Deny terminates the child.
	var gateErr error
	gateDone := make(chan struct{})
	go func() {
		defer close(gateDone)
		gateErr = s.gate(spec.ProposalID, intentR, verdictW, func(d model.Decision) {
			mu.Lock()
			violation = &d
			mu.Unlock()
			kill()
		})
	}()

	// Watchdog: wall clock, memory ceiling, external cancellation.
	watchDone := make(chan struct{})
	waited := make(chan struct{})
	go func() {
		defer close(watchDone)
		timer := time.NewTimer(spec.Limits.WallClock)
		defer timer.Stop()
		ticker := time.NewTicker(memPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-waited:
				return
			case <-ctx.Done():
				mu.Lock()
				cancelled = true
				mu.Unlock()
				kill()
				return
			case <-timer.C:
				mu.Lock()
				timedOut = true
				mu.Unlock()
				kill()
				return
			case <-ticker.C:
				if spec.Limits.MemoryBytes > 0 && residentBytes(cmd.Process.Pid) > spec.Limits.MemoryBytes {
					mu.Lock()
					overMem = true
					mu.Unlock()
					kill()
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	close(waited)
	<-watchDone
	<-gateDone

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	mu.Lock()
	defer mu.Unlock()
	switch {
	case violation != nil:
		res.Status = StatusPolicyViolation
		res.Violation = violation
	case cancelled:
		res.Status = StatusCancelled
	case timedOut, overMem:
		res.Status = StatusResourceExceeded
	case waitErr == nil:
		res.Status = StatusCompleted
	default:
		res.Status = StatusCrashed
	}

	if gateErr != nil {
		// Ledger failure inside the gate: fatal, surfaced over any
		// artifact-level status.
		return res, gateErr
	}
	return res, nil
}

// gate reads intents until EOF, evaluating each one synchronously.
// onDeny fires at most once; the denial verdict is still delivered so
// the worker sees why it is being terminated.
func (s *Supervisor) gate(proposalID string, intents io.Reader, verdicts io.Writer, onDeny func(model.Decision)) error {
	enc := json.NewEncoder(verdicts)
	scanner := bufio.NewScanner(intents)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in sdk.Intent
		if err := json.Unmarshal(line, &in); err != nil {
			// Garbage on the intent channel is treated like any
			// other unknown action: fail closed. The synthetic deny
			// is ledgered like an engine decision, before the
			// verdict is delivered.
			d := model.Decision{
				Effect: model.Deny,
				RuleID: "sandbox.malformed_intent",
				Reason: fmt.Sprintf("unparseable intent: %v", err),
			}
			pol := s.eng.Policy()
			_, lerr := s.log.Append(ledger.Entry{
				Kind:          ledger.KindDecision,
				Actor:         "proposal:" + proposalID,
				Proposal:      proposalID,
				Target:        logicalRoot(proposalID),
				Effect:        string(d.Effect),
				RuleID:        d.RuleID,
				Reason:        d.Reason,
				PolicyVersion: pol.Version,
				PolicyHash:    pol.Hash,
			})
			enc.Encode(sdk.Verdict{Allow: false, RuleID: d.RuleID, Reason: d.Reason})
			onDeny(d)
			if lerr != nil {
				return fmt.Errorf("sandbox: record malformed intent: %w", lerr)
			}
			return nil
		}

		out, err := s.eng.Evaluate(model.ActionContext{
			Actor:      "proposal:" + proposalID,
			Capability: model.Capability(in.Capability),
			Target:     logicalTarget(proposalID, in.Target),
			Metadata:   withProposal(in.Meta, proposalID),
		})
		if err != nil {
			enc.Encode(sdk.Verdict{Allow: false, RuleID: "engine.ledger_unavailable", Reason: "decision could not be recorded"})
			onDeny(out.Decision)
			return err
		}

		if err := enc.Encode(sdk.Verdict{
			Allow:  out.Allowed(),
			RuleID: out.RuleID,
			Reason: out.Reason,
		}); err != nil {
			// Child went away mid-reply; Wait will classify it.
			return nil
		}
		if !out.Allowed() {
			onDeny(out.Decision)
			return nil
		}
	}
	return nil
}

// logicalRoot is the policy-space path of a proposal's confinement
// root. Policies are written against this stable namespace rather than
// the ephemeral temp directory the run actually uses.
func logicalRoot(proposalID string) string {
	return "/proposals/" + proposalID
}

// logicalTarget maps an intent target into policy space: relative
// targets resolve under the proposal's confinement root, absolute
// targets stand as written (and are therefore escapes for rules to
// judge).
func logicalTarget(proposalID, target string) string {
	if target == "" {
		return logicalRoot(proposalID)
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	if !filepath.IsLocal(target) {
		// Upward traversal leaves the confinement root; judge it as
		// an absolute path so confinement rules cannot match it.
		return filepath.Clean("/" + target)
	}
	return filepath.Join(logicalRoot(proposalID), target)
}

func withProposal(meta map[string]string, proposalID string) map[string]string {
	m := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m["proposal_id"] = proposalID
	return m
}

func executionReason(res Result) string {
	switch res.Status {
	case StatusCompleted:
		return "run completed"
	case StatusPolicyViolation:
		return "terminated: " + res.Violation.Reason
	case StatusResourceExceeded:
		return "terminated: resource ceiling exceeded"
	case StatusCancelled:
		return "terminated: cancelled"
	default:
		return fmt.Sprintf("crashed with exit code %d", res.ExitCode)
	}
}

// stageOutputs copies the declared outputs that survived the run out of
// the confinement root before it is torn down. Declared paths must stay
// inside the root; anything else was a lie and is skipped.
func stageOutputs(root string, spec RunSpec) ([]string, error) {
	dest := filepath.Join(spec.StageDir, spec.ProposalID)
	var staged []string
	for _, rel := range spec.DeclaredOutputs {
		if !filepath.IsLocal(rel) {
			continue
		}
		src := filepath.Join(root, rel)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return staged, err
		}
		if err := copyFile(src, target, info.Mode()); err != nil {
			return staged, err
		}
		staged = append(staged, rel)
	}
	return staged, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// residentBytes reads the child's resident set size from /proc.
// Returns 0 when the information is unavailable (process already gone,
// or a platform without procfs).
func residentBytes(pid int) int64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// cappedBuffer captures output up to a fixed cap and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
