package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/ledger"
)

var (
	tailCount   int
	exportSince uint64
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 10, "Number of recent entries to show")
	ledgerExportCmd.Flags().Uint64Var(&exportSince, "since", 0, "Export entries with sequence greater than this")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying, inspecting, and exporting the hash-chained audit ledger.",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the ledger hash chain",
	Long: "Replays the JSONL ledger and validates sequence continuity and the\n" +
		"prev_hash/entry_hash chain. Exits 0 if valid, 1 if tampered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runLedgerVerify,
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent ledger entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerTail,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Export ledger entries as JSONL",
	Long:  "Writes entries with sequence greater than --since to stdout, one JSON object per line.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerExport,
}

func ledgerArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ledgerPath()
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	res := ledger.VerifyFile(ledgerArg(args))
	if res.Valid {
		fmt.Printf("OK: %d entries verified\n", res.Entries)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at seq %d: %s\n", res.CorruptAt, res.Detail)
	os.Exit(1)
	return nil
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	entries, err := ledger.ReadSince(ledgerArg(args), 0)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	start := len(entries) - tailCount
	if start < 0 {
		start = 0
	}
	for _, e := range entries[start:] {
		line := fmt.Sprintf("#%-6d %-28s %-10s", e.Seq, e.Timestamp, e.Kind)
		if e.Proposal != "" {
			line += " " + e.Proposal
		}
		if e.Capability != "" {
			line += " " + e.Capability
		}
		line += fmt.Sprintf(" %s %s", e.Effect, e.Target)
		if e.RuleID != "" {
			line += " (" + e.RuleID + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	entries, err := ledger.ReadSince(ledgerArg(args), exportSince)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
