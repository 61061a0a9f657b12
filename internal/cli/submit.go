package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/lifecycle"
	"github.com/nkarpov/gavel/internal/model"
)

var (
	submitID      string
	submitBy      string
	submitOutputs []string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	registerExecFlags(submitCmd)
	submitCmd.Flags().StringVar(&submitID, "id", "", "Proposal id (generated when omitted)")
	submitCmd.Flags().StringVar(&submitBy, "by", "cli", "Submitting actor recorded in the ledger")
	submitCmd.Flags().StringArrayVar(&submitOutputs, "output", nil, "Declared output path, relative to the confinement root (repeatable)")
}

var submitCmd = &cobra.Command{
	Use:   "submit <source.go>",
	Short: "Submit worker source for governed execution",
	Long: "Submits a Go source file as a proposal and waits for the pipeline\n" +
		"to park or finish. Exits 0 when the proposal reaches\n" +
		"awaiting_approval, 1 otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	p, err := a.coord.Submit(ctx, lifecycle.Submission{
		ProposalID:      submitID,
		SubmittedBy:     submitBy,
		Source:          string(source),
		DeclaredOutputs: submitOutputs,
	})
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s (artifact %s)\n", p.ID, p.ArtifactHash)

	<-a.coord.Done(p.ID)

	final, err := a.coord.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", final.ID, final.State)
	if final.FailureReason != "" {
		fmt.Printf("  %s\n", final.FailureReason)
	}
	if final.State != model.StateAwaitingApproval {
		a.Close()
		os.Exit(1)
	}
	return nil
}
