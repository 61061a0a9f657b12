package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/engine"
	"github.com/nkarpov/gavel/internal/gateway"
	"github.com/nkarpov/gavel/internal/inspect"
	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/lifecycle"
	"github.com/nkarpov/gavel/internal/policy"
	"github.com/nkarpov/gavel/internal/proposal"
	"github.com/nkarpov/gavel/internal/sandbox"
)

// Execution defaults shared by serve and submit.
var (
	runnerCmd     string
	execTimeout   time.Duration
	memoryMB      int64
	maxConcurrent int
)

func policyPath() string  { return filepath.Join(homeDir, "policy.yaml") }
func ledgerPath() string  { return filepath.Join(homeDir, "ledger.jsonl") }
func storePath() string   { return filepath.Join(homeDir, "proposals.db") }
func artifactDir() string { return filepath.Join(homeDir, "artifacts") }
func stageDir() string    { return filepath.Join(homeDir, "stage") }
func applyDir() string    { return filepath.Join(homeDir, "apply") }

func spoolDirs() gateway.DirConfig {
	return gateway.DefaultDirConfig(homeDir)
}

func registerExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runnerCmd, "runner", "go run", "Command that executes an artifact inside the sandbox")
	cmd.Flags().DurationVar(&execTimeout, "timeout", sandbox.DefaultWallClock, "Wall-clock ceiling per execution")
	cmd.Flags().Int64Var(&memoryMB, "memory-mb", 256, "Memory ceiling per execution in MiB (0 disables)")
	cmd.Flags().IntVar(&maxConcurrent, "max-sandboxes", 2, "Concurrent sandbox ceiling")
}

// app is the per-invocation stack: policy, ledger, engine, store, and
// the lifecycle coordinator over them. The ledger's file lock makes the
// process holding an app the single writer; a second invocation against
// the same home fails at Open.
type app struct {
	pol   *policy.Policy
	log   *ledger.Ledger
	eng   *engine.Engine
	store *proposal.Store
	coord *lifecycle.Coordinator
}

func openApp() (*app, error) {
	if err := os.MkdirAll(homeDir, 0750); err != nil {
		return nil, fmt.Errorf("create home %s: %w", homeDir, err)
	}

	pol, err := policy.Load(policyPath())
	if err != nil {
		return nil, err
	}

	log, err := ledger.Open(ledgerPath())
	if err != nil {
		return nil, err
	}

	store, err := proposal.Open(storePath())
	if err != nil {
		log.Close()
		return nil, err
	}

	eng := engine.New(pol, log)
	insp := inspect.New(eng, log, "")
	sup := sandbox.New(eng, log, maxConcurrent)

	coord := lifecycle.New(lifecycle.Config{
		ArtifactDir: artifactDir(),
		StageDir:    stageDir(),
		ApplyDir:    applyDir(),
		Runner:      strings.Fields(runnerCmd),
		Limits: sandbox.Limits{
			WallClock:   execTimeout,
			MemoryBytes: memoryMB << 20,
		},
	}, eng, log, store, insp, sup)

	return &app{pol: pol, log: log, eng: eng, store: store, coord: coord}, nil
}

func newInspector(a *app) *inspect.Inspector {
	return inspect.New(a.eng, a.log, "")
}

func (a *app) Close() {
	a.coord.Close()
	a.store.Close()
	a.log.Close()
}
