package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var inspectActor string

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectActor, "actor", "cli", "Actor recorded with each finding decision")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <source.go>",
	Short: "Statically inspect worker source without executing it",
	Long: "Parses the source and evaluates every capability reference against\n" +
		"the active policy. Findings and their decisions are recorded in the\n" +
		"ledger. Exits 0 on pass, 1 on reject.",
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	insp := newInspector(a)
	report, err := insp.Inspect(filepath.Base(args[0]), string(source), inspectActor, "")
	if err != nil {
		return err
	}

	for _, f := range report.Findings {
		fmt.Printf("%-8s %-18s %-16s %s", f.Decision.Effect, f.Kind, f.Capability, f.Pos)
		if f.Detail != "" {
			fmt.Printf("  %s", f.Detail)
		}
		if f.Decision.RuleID != "" {
			fmt.Printf("  (%s)", f.Decision.RuleID)
		}
		fmt.Println()
	}
	fmt.Println(strings.ToUpper(string(report.Verdict)))
	if report.Rejected() {
		a.Close()
		os.Exit(1)
	}
	return nil
}
