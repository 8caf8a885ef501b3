// cmd/gateway/connections.go
package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	_ "github.com/sqlgate/gateway/driver/duckdb"
	_ "github.com/sqlgate/gateway/driver/mssql"
	_ "github.com/sqlgate/gateway/driver/oracle"
	_ "github.com/sqlgate/gateway/driver/postgres"
	_ "github.com/sqlgate/gateway/driver/sqlite"

	"github.com/sqlgate/gateway/pkg/gateway"
	"github.com/sqlgate/gateway/pkg/registry"
	"github.com/sqlgate/gateway/pkg/store"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Inspect and probe persisted connections",
}

func openGateway(cmd *cobra.Command) (*gateway.Gateway, *store.Store, error) {
	ctx := cmd.Context()
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = filepath.Join(cfg.DataDir, "gateway.db")
	}
	st, err := store.Open(ctx, storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata store: %w", err)
	}
	reg := registry.New(st)
	gw := gateway.New(st, reg, cfg.Engine.PageSize, cfg.Engine.MaxRetainedRows, cfg.Engine.StatementTimeout, cfg.Introspection.SchemaTTL)
	return gw, st, nil
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every persisted connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, st, err := openGateway(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		conns, err := gw.GetConnections(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing connections: %w", err)
		}
		for _, c := range conns {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s  %s\n", c.ID, c.DisplayName, c.Dialect)
		}
		return nil
	},
}

var connectionsTestCmd = &cobra.Command{
	Use:   "test <connection-id>",
	Short: "Probe a persisted connection without opening a live session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, st, err := openGateway(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		conn, err := gw.GetConnections(ctx)
		if err != nil {
			return fmt.Errorf("listing connections: %w", err)
		}
		var dialect, settingsJSON string
		found := false
		for _, c := range conn {
			if c.ID == args[0] {
				dialect = c.Dialect
				settingsJSON = c.SettingsJSON
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no connection with id %s", args[0])
		}

		var cfgBlob gateway.ConnectionConfig
		if settingsJSON != "" {
			if err := json.Unmarshal([]byte(settingsJSON), &cfgBlob); err != nil {
				return fmt.Errorf("decoding stored connection settings: %w", err)
			}
		}
		res := gw.TestConnection(ctx, dialect, cfgBlob)
		if res.OK {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "failed: %s\n", res.Reason)
		return nil
	},
}

func init() {
	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsTestCmd)
}
