package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <proposal-id>",
	Short: "Cancel a proposal",
	Long:  "Cancels a proposal that has not finished. A running sandbox is terminated.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.coord.Cancel(ctx, args[0]); err != nil {
		return err
	}
	p, err := a.coord.Get(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", p.ID, p.State)
	return nil
}
