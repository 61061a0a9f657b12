package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/gateway"
	"github.com/nkarpov/gavel/internal/systemd"
)

var (
	servePoll         bool
	servePollInterval time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	registerExecFlags(serveCmd)
	serveCmd.Flags().BoolVar(&servePoll, "poll", false, "Poll the inbox instead of using fsnotify")
	serveCmd.Flags().DurationVar(&servePollInterval, "poll-interval", 5*time.Second, "Polling interval when --poll is set")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the submission gateway",
	Long: "Watches the inbox for proposal JSON files, drives each through\n" +
		"inspection and sandboxed execution, and writes pipeline results to\n" +
		"the outbox. Proposals park at awaiting_approval until reviewed.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if warn := systemd.CheckUnitFileIntegrity(); warn != "" {
		fmt.Fprintf(os.Stderr, "gavel: WARNING: %s\n", warn)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	gw, err := gateway.New(gateway.Config{
		Dirs:         spoolDirs(),
		PollMode:     servePoll,
		PollInterval: servePollInterval,
	}, a.coord)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "gavel: shutting down")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "gavel: policy %s (%s), watching %s\n",
		a.pol.Version, a.pol.Hash[:14], spoolDirs().Inbox)
	return gw.Run(ctx)
}
