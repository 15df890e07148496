package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and schema",
	Long: `Create the configured database and its schema if they do not exist.

Idempotent: running init against an initialized database is a no-op.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store bootstraps the database and runs schema setup.
		store, err := openStore(cmd.Context())
		if err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
		defer store.Close()

		if jsonOutput {
			outputJSON(map[string]string{"status": "initialized", "driver": cfg.Database.Driver})
			return nil
		}
		fmt.Printf("Initialized %s store\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
