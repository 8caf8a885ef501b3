// cmd/gateway/migrate_status.go
package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sqlgate/gateway/pkg/store"
)

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which metadata store migrations have been applied",
	Long:  `Opens the metadata store (applying any pending migrations) and prints each embedded migration alongside its applied state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		storePath := cfg.Store.Path
		if storePath == "" {
			storePath = filepath.Join(cfg.DataDir, "gateway.db")
		}

		st, err := store.Open(ctx, storePath)
		if err != nil {
			return fmt.Errorf("opening metadata store: %w", err)
		}
		defer st.Close()

		statuses, err := st.ListMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("listing migration status: %w", err)
		}

		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-40s  %s\n", s.ID, s.Name, state)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
}
