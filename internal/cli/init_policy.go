package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nkarpov/gavel/internal/policy"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing policy file")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Write a starter policy document",
	Long: "Writes a commented starter policy to the home directory. The starter\n" +
		"denies network and process spawning outright and confines filesystem\n" +
		"writes to the proposal space.",
	RunE: runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := policyPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(homeDir, 0750); err != nil {
		return fmt.Errorf("create home %s: %w", homeDir, err)
	}

	doc := policy.DefaultDocumentYAML()
	// The starter must itself load cleanly.
	if _, err := policy.Parse([]byte(doc)); err != nil {
		return fmt.Errorf("starter policy invalid: %w", err)
	}
	if err := os.WriteFile(path, []byte(doc), 0640); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
