// cmd/gateway/serve.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/sqlgate/gateway/driver/duckdb"
	_ "github.com/sqlgate/gateway/driver/mssql"
	_ "github.com/sqlgate/gateway/driver/oracle"
	_ "github.com/sqlgate/gateway/driver/postgres"
	_ "github.com/sqlgate/gateway/driver/sqlite"

	"github.com/sqlgate/gateway/pkg/gateway"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/registry"
	"github.com/sqlgate/gateway/pkg/store"
)

var serveLog = gwlog.New("serve")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the metadata store and hold the gateway ready for a front end",
	Long: `serve opens the metadata store (applying any pending migrations),
wires the Connection Registry, Query Engine and introspection cache, and
blocks until interrupted. A front end attaches to the process's
pkg/gateway.Gateway through whatever embedding the front end provides.`,
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

		reg := registry.New(st)
		gw := gateway.New(st, reg, cfg.Engine.PageSize, cfg.Engine.MaxRetainedRows, cfg.Engine.StatementTimeout, cfg.Introspection.SchemaTTL)
		gw.OnConnectionEnded(func(connectionID string) {
			serveLog.Printf("connection-ended: %s", connectionID)
		})

		serveLog.Printf("gateway ready, metadata store at %s", storePath)

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()

		serveLog.Printf("shutting down")
		return nil
	},
}
