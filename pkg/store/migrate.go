// pkg/store/migrate.go
package store

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsTable = "schema_migrations"

const (
	markerUp   = "-- +migrate Up"
	markerDown = "-- +migrate Down"
)

var migrateLog = gwlog.New("store-migrate")

type migrationFile struct {
	ID   string
	Name string
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`,
		migrationsTable))
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreSchema, "ensure-migrations-table", err)
	}
	return nil
}

func listEmbeddedMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreSchema, "list-migrations", err)
	}
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		baseName := strings.TrimSuffix(name, ".sql")
		parts := strings.SplitN(baseName, "_", 2)
		if len(parts) < 1 || parts[0] == "" {
			continue
		}
		files = append(files, migrationFile{ID: parts[0], Name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

func appliedMigrationIDs(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s", migrationsTable))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreSchema, "read-applied-migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindStoreSchema, "scan-applied-migration", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// parseUpSection extracts the "-- +migrate Up" section from migration
// SQL text; everything from "-- +migrate Down" onward is ignored.
func parseUpSection(r io.Reader) (string, error) {
	var up strings.Builder
	var inUp bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, markerUp) {
			inUp = true
			continue
		}
		if strings.HasPrefix(trimmed, markerDown) {
			break
		}
		if inUp {
			up.WriteString(line)
			up.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return up.String(), nil
}

// applyMigrations applies every embedded migration not yet recorded in
// migrationsTable, in ascending ID order, each inside its own
// transaction. Re-running against an up-to-date database is a no-op
// (idempotent under re-application, per §4.2).
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	files, err := listEmbeddedMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedMigrationIDs(ctx, db)
	if err != nil {
		return err
	}

	for _, mf := range files {
		if applied[mf.ID] {
			continue
		}
		migrateLog.Printf("applying migration %s (%s)", mf.ID, mf.Name)

		raw, err := embeddedMigrations.ReadFile("migrations/" + mf.Name)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindStoreSchema, "read-migration-file", err)
		}
		upSQL, err := parseUpSection(strings.NewReader(string(raw)))
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindStoreSchema, "parse-migration-file", err)
		}

		if err := applyOne(ctx, db, mf.ID, upSQL); err != nil {
			return err
		}
	}
	return nil
}

// MigrationStatus reports one embedded migration and whether it has
// been applied yet, for the "migrate status" CLI surface.
type MigrationStatus struct {
	ID      string
	Name    string
	Applied bool
}

// ListMigrationStatus reports every embedded migration in ascending ID
// order alongside whether it has already been applied to s's database.
func (s *Store) ListMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	files, err := listEmbeddedMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrationIDs(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, mf := range files {
		out = append(out, MigrationStatus{ID: mf.ID, Name: mf.Name, Applied: applied[mf.ID]})
	}
	return out, nil
}

func applyOne(ctx context.Context, db *sql.DB, id, upSQL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreSchema, "begin-migration-tx", err)
	}
	defer tx.Rollback()

	trimmed := strings.TrimSpace(upSQL)
	if trimmed != "" {
		if _, err := tx.ExecContext(ctx, trimmed); err != nil {
			return gwerrors.Wrap(gwerrors.KindStoreSchema, "apply-migration:"+id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, applied_at) VALUES (?, ?)", migrationsTable),
		id, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreSchema, "record-migration:"+id, err)
	}
	if err := tx.Commit(); err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreSchema, "commit-migration:"+id, err)
	}
	return nil
}
