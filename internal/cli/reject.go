package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	rejectReviewer string
	rejectReason   string
)

func init() {
	rootCmd.AddCommand(rejectCmd)
	rejectCmd.Flags().StringVar(&rejectReviewer, "reviewer", "operator", "Reviewer identity recorded in the ledger")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the proposal is rejected")
}

var rejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func runReject(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.coord.Reject(context.Background(), args[0], rejectReviewer, rejectReason)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", p.ID, p.State)
	return nil
}
