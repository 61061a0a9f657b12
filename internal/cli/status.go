package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/model"
)

var (
	statusState string
	statusLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusState, "state", "", "Filter by state (e.g. awaiting_approval)")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 0, "Maximum proposals to list (0 = all)")
}

var statusCmd = &cobra.Command{
	Use:   "status [proposal-id]",
	Short: "Show proposal state",
	Long:  "With an id, prints the full proposal record as JSON.\nWithout, lists proposals newest first.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if len(args) == 1 {
		p, err := a.coord.Get(ctx, args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(p, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	proposals, err := a.coord.List(ctx, model.ProposalState(statusState), statusLimit)
	if err != nil {
		return err
	}
	if len(proposals) == 0 {
		fmt.Println("no proposals")
		return nil
	}
	for _, p := range proposals {
		line := fmt.Sprintf("%-36s  %-18s  %s", p.ID, p.State, p.UpdatedAt.Format("2006-01-02 15:04:05"))
		if p.FailureReason != "" {
			line += "  " + p.FailureReason
		}
		fmt.Println(line)
	}
	return nil
}
