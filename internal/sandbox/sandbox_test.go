package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nkarpov/gavel/internal/engine"
	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/policy"
	sdk "github.com/nkarpov/gavel/sdk/go/gavel"
)

// The test binary doubles as the sandboxed worker: when the scenario
// variable is set we are the child and run the scenario instead of the
// test suite.
func TestMain(m *testing.M) {
	if s := os.Getenv("GAVEL_SANDBOX_SCENARIO"); s != "" {
		os.Exit(runScenario(s))
	}
	os.Exit(m.Run())
}

func runScenario(name string) int {
	switch name {
	case "write-output":
		sess, err := sdk.Connect()
		if err != nil {
			return 1
		}
		if err := sess.Request(sdk.CapabilityFilesystemWrite, "out.txt", nil); err != nil {
			return 1
		}
		if err := os.WriteFile("out.txt", []byte("produced inside the sandbox\n"), 0o644); err != nil {
			return 1
		}
		return 0

	case "dial-out":
		sess, err := sdk.Connect()
		if err != nil {
			return 1
		}
		if sess.Request(sdk.CapabilityExternalRequest, "https://example.com/exfil", nil) == nil {
			return 0
		}
		// Denied: the supervisor is about to kill us.
		time.Sleep(10 * time.Second)
		return 1

	case "escape":
		sess, err := sdk.Connect()
		if err != nil {
			return 1
		}
		if sess.Request(sdk.CapabilityFilesystemWrite, "../shared.txt", nil) == nil {
			return 0
		}
		time.Sleep(10 * time.Second)
		return 1

	case "garbage-intent":
		f := os.NewFile(3, "intent")
		if f == nil {
			return 1
		}
		if _, err := f.Write([]byte("not json\n")); err != nil {
			return 1
		}
		time.Sleep(10 * time.Second)
		return 1

	case "check-artifact":
		if _, err := os.Stat("artifact.go"); err != nil {
			return 1
		}
		return 0

	case "sleep":
		time.Sleep(10 * time.Second)
		return 0

	case "crash":
		return 3

	case "allocate":
		var hogs [][]byte
		for i := 0; i < 256; i++ {
			b := make([]byte, 1<<20)
			for j := range b {
				b[j] = byte(j)
			}
			hogs = append(hogs, b)
		}
		time.Sleep(5 * time.Second)
		_ = hogs
		return 0
	}
	return 2
}

const sandboxPolicy = `
version: "1"
categories:
  agent_entry: []
  code_merge: []
  external_request:
    - id: net.deny_all
      target: "*"
      effect: deny
      reason: workers have no network access
  filesystem_write:
    - id: fs.confined
      target: "/proposals/*"
      effect: allow
    - id: fs.deny_all
      target: "*"
      effect: deny
      reason: writes outside the proposal space are refused
`

func newTestSupervisor(t *testing.T) (*Supervisor, *ledger.Ledger) {
	t.Helper()
	pol, err := policy.Parse([]byte(sandboxPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	log, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(engine.New(pol, log), log, 2), log
}

func scenarioSpec(id, scenario string) RunSpec {
	return RunSpec{
		ProposalID: id,
		Argv:       []string{os.Args[0]},
		Env:        []string{"GAVEL_SANDBOX_SCENARIO=" + scenario},
		Limits:     Limits{WallClock: 15 * time.Second},
	}
}

func TestAllowedIntentRunsToCompletion(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	spec := scenarioSpec("p-allow", "write-output")
	spec.DeclaredOutputs = []string{"out.txt"}
	spec.StageDir = t.TempDir()

	res, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s (stderr: %s)", res.Status, StatusCompleted, res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != "out.txt" {
		t.Fatalf("outputs = %v, want [out.txt]", res.Outputs)
	}
	data, err := os.ReadFile(filepath.Join(spec.StageDir, spec.ProposalID, "out.txt"))
	if err != nil {
		t.Fatalf("read staged output: %v", err)
	}
	if !strings.Contains(string(data), "produced inside the sandbox") {
		t.Fatalf("staged output content = %q", data)
	}
}

func TestDeniedIntentTerminatesRun(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	start := time.Now()
	res, err := sup.Run(context.Background(), scenarioSpec("p-deny", "dial-out"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusPolicyViolation {
		t.Fatalf("status = %s, want %s", res.Status, StatusPolicyViolation)
	}
	if res.Violation == nil || res.Violation.RuleID != "net.deny_all" {
		t.Fatalf("violation = %+v, want rule net.deny_all", res.Violation)
	}
	// Termination is immediate, not a timeout.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("denied run took %s, expected prompt termination", elapsed)
	}
}

func TestTraversalEscapeIsDenied(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	res, err := sup.Run(context.Background(), scenarioSpec("p-escape", "escape"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusPolicyViolation {
		t.Fatalf("status = %s, want %s", res.Status, StatusPolicyViolation)
	}
}

func TestArtifactIsPlacedInConfinementRoot(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	artifact := filepath.Join(t.TempDir(), "artifact.go")
	if err := os.WriteFile(artifact, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	spec := scenarioSpec("p-artifact", "check-artifact")
	spec.Artifact = artifact

	res, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted || res.ExitCode != 0 {
		t.Fatalf("status = %s exit = %d, want completed/0", res.Status, res.ExitCode)
	}
}

func TestWallClockCeiling(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	spec := scenarioSpec("p-timeout", "sleep")
	spec.Limits.WallClock = 500 * time.Millisecond

	res, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusResourceExceeded {
		t.Fatalf("status = %s, want %s", res.Status, StatusResourceExceeded)
	}
}

func TestMemoryCeiling(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	spec := scenarioSpec("p-mem", "allocate")
	spec.Limits.MemoryBytes = 64 << 20

	res, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusResourceExceeded {
		t.Fatalf("status = %s, want %s", res.Status, StatusResourceExceeded)
	}
}

func TestCancellationKillsRun(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	res, err := sup.Run(ctx, scenarioSpec("p-cancel", "sleep"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", res.Status, StatusCancelled)
	}
}

func TestCrashIsClassified(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	res, err := sup.Run(context.Background(), scenarioSpec("p-crash", "crash"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCrashed {
		t.Fatalf("status = %s, want %s", res.Status, StatusCrashed)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestEveryRunLeavesExecutionEntry(t *testing.T) {
	sup, log := newTestSupervisor(t)

	for _, scenario := range []string{"write-output", "dial-out", "crash"} {
		res, err := sup.Run(context.Background(), scenarioSpec("p-"+scenario, scenario))
		if err != nil {
			t.Fatalf("%s: run: %v", scenario, err)
		}
		if res.LedgerSeq == 0 {
			t.Fatalf("%s: no ledger sequence recorded", scenario)
		}
	}

	entries, err := log.EntriesSince(0)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var executions int
	for _, e := range entries {
		if e.Kind == ledger.KindExecution {
			executions++
		}
	}
	if executions != 3 {
		t.Fatalf("execution entries = %d, want 3", executions)
	}
}

func TestIntentDecisionsAreLedgeredBeforeVerdicts(t *testing.T) {
	sup, log := newTestSupervisor(t)

	if _, err := sup.Run(context.Background(), scenarioSpec("p-ledgered", "write-output")); err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := log.EntriesSince(0)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var decision *ledger.Entry
	for i := range entries {
		if entries[i].Kind == ledger.KindDecision {
			decision = &entries[i]
		}
	}
	if decision == nil {
		t.Fatal("no decision entry for the worker's intent")
	}
	if decision.Capability != "filesystem_write" {
		t.Fatalf("decision capability = %s", decision.Capability)
	}
	if decision.Target != "/proposals/p-ledgered/out.txt" {
		t.Fatalf("decision target = %s", decision.Target)
	}
	if decision.Metadata["proposal_id"] != "p-ledgered" {
		t.Fatalf("decision metadata = %v", decision.Metadata)
	}
}

func TestLogicalTarget(t *testing.T) {
	cases := []struct {
		target string
		want   string
	}{
		{"", "/proposals/p1"},
		{"out.txt", "/proposals/p1/out.txt"},
		{"sub/dir/file", "/proposals/p1/sub/dir/file"},
		{"/etc/passwd", "/etc/passwd"},
		{"../shared.txt", "/shared.txt"},
		{"../../etc/passwd", "/etc/passwd"},
		{"a/../b", "/proposals/p1/b"},
	}
	for _, tc := range cases {
		if got := logicalTarget("p1", tc.target); got != tc.want {
			t.Errorf("logicalTarget(p1, %q) = %q, want %q", tc.target, got, tc.want)
		}
	}
}

func TestUndeclaredOutputsAreNotStaged(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	spec := scenarioSpec("p-undeclared", "write-output")
	spec.DeclaredOutputs = []string{"other.txt", "../stolen.txt"}
	spec.StageDir = t.TempDir()

	res, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Outputs) != 0 {
		t.Fatalf("outputs = %v, want none", res.Outputs)
	}
}

func TestMalformedIntentIsDeniedAndLedgered(t *testing.T) {
	sup, log := newTestSupervisor(t)

	start := time.Now()
	res, err := sup.Run(context.Background(), scenarioSpec("p-garbage", "garbage-intent"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusPolicyViolation {
		t.Fatalf("status = %s, want %s", res.Status, StatusPolicyViolation)
	}
	if res.Violation == nil || res.Violation.RuleID != "sandbox.malformed_intent" {
		t.Fatalf("violation = %+v, want rule sandbox.malformed_intent", res.Violation)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("denied run took %s, expected prompt termination", elapsed)
	}

	// The synthetic deny leaves a decision entry, like every other
	// enforcement decision.
	entries, err := log.EntriesSince(0)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Kind != ledger.KindDecision || e.RuleID != "sandbox.malformed_intent" {
			continue
		}
		if e.Proposal != "p-garbage" {
			t.Fatalf("decision proposal = %q, want p-garbage", e.Proposal)
		}
		if e.Effect != "deny" {
			t.Fatalf("decision effect = %q, want deny", e.Effect)
		}
		found = true
	}
	if !found {
		t.Fatal("no decision entry recorded for the malformed intent")
	}
}
