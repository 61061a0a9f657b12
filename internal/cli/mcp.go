package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	gavelmcp "github.com/nkarpov/gavel/internal/mcp"
)

var mcpReviewer string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpReviewer, "reviewer", "", "Default reviewer identity for approvals made over MCP")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP review server",
	Long: "Runs gavel as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes review tools: pending, status, approve, reject, cancel,\n" +
		"ledger_verify.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := gavelmcp.New(gavelmcp.Config{
		LedgerPath: ledgerPath(),
		Reviewer:   mcpReviewer,
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
		cancel()
	}()

	return srv.Run(ctx)
}
