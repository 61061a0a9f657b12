package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/systemd"
)

func init() {
	systemdCmd.AddCommand(systemdUnitCmd)
	systemdCmd.AddCommand(systemdRecordHashCmd)
	rootCmd.AddCommand(systemdCmd)
}

var systemdCmd = &cobra.Command{
	Use:   "systemd",
	Short: "Systemd integration for the gateway",
}

var systemdUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the gateway unit file",
	Long: "Prints the systemd unit for running the submission gateway as a\n" +
		"service. Install it under /etc/systemd/system/gavel.service and run\n" +
		"'gavel systemd record-hash' to pin the install-time baseline.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(systemd.UnitTemplate())
	},
}

var systemdRecordHashCmd = &cobra.Command{
	Use:   "record-hash",
	Short: "Record the install-time hash of the unit file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := systemd.RecordUnitFileHash(); err != nil {
			return err
		}
		fmt.Printf("unit file hash recorded at %s\n", systemd.UnitHashPath)
		return nil
	},
}
