// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqlgate/gateway/pkg/config"
)

var (
	// cfgFile holds the configuration file path provided via --config.
	cfgFile string

	// cfg holds the loaded and validated configuration, populated by
	// rootCmd's PersistentPreRunE and read by every subcommand.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "SQL workbench gateway: connect, run and browse SQL across drivers",
	Long: `gateway is the headless backend for a SQL workbench: it owns the
metadata store, the driver connections, and the query engine that a
front end drives through the Command Surface.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loadedCfg
		return nil
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is sqlgate.yaml in ., $HOME/.sqlgate, /etc/sqlgate/)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(connectionsCmd)
}

func main() {
	Execute()
}
