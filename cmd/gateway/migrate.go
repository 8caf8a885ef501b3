// cmd/gateway/migrate.go
package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect the metadata store's own schema migrations",
	Long:  `The metadata store applies its embedded migrations automatically on open; this command only reports their status.`,
}
