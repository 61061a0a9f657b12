package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/integrity"
)

var homeDir string

var rootCmd = &cobra.Command{
	Use:   "gavel",
	Short: "Governed execution gatekeeper for untrusted worker code",
	Long: "Decides whether untrusted worker code may run, constrains what it may\n" +
		"do while running, and records a tamper-evident trail of every decision\n" +
		"so a human reviewer can gate any resulting change.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := integrity.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", defaultHome(), "gavel home directory")
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gavel"
	}
	return filepath.Join(home, ".gavel")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
