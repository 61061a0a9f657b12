package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var approveReviewer string

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveReviewer, "reviewer", "operator", "Reviewer identity recorded in the ledger")
}

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal and apply its staged outputs",
	Long: "Records a human approval, evaluates the code_merge gate with the\n" +
		"approval flag in context, and materializes the staged outputs into\n" +
		"the apply directory.",
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.coord.Approve(context.Background(), args[0], approveReviewer)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", p.ID, p.State)
	return nil
}
