// pkg/store/store.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
)

var storeLog = gwlog.New("store")

// Store owns the single embedded SQLite file backing the gateway's own
// metadata. Unlike a driver Adapter, the Store's *sql.DB is long-lived
// for the whole process lifetime.
type Store struct {
	db   *sql.DB
	dbMu sync.RWMutex
}

// Open connects to the metadata database at path, applying any pending
// migrations. A startup failure to open or migrate is fatal (§4.2).
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "open", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY churn

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "ping", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	storeLog.Printf("opened metadata store at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.db.Close()
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Connections -----------------------------------------------------

// CreateConnection inserts conn, assigning a fresh UUID if ID is empty.
func (s *Store) CreateConnection(ctx context.Context, conn Connection) (Connection, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections
			(id, display_name, dialect, settings_json, permissions, sort_order, favorite, color, group_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.DisplayName, conn.Dialect, conn.SettingsJSON, string(conn.Permissions),
		conn.SortOrder, boolToInt(conn.Favorite), conn.Color, nullableString(conn.GroupID), now, now)
	if err != nil {
		return Connection{}, gwerrors.Wrap(gwerrors.KindStoreIO, "create-connection", err)
	}
	return s.GetConnection(ctx, conn.ID)
}

// GetConnection returns the connection row for id.
func (s *Store) GetConnection(ctx context.Context, id string) (Connection, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, dialect, settings_json, permissions, sort_order, favorite, color,
		       COALESCE(group_id, ''), created_at, updated_at
		FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnections returns every connection ordered by sort_order then
// display_name.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, dialect, settings_json, permissions, sort_order, favorite, color,
		       COALESCE(group_id, ''), created_at, updated_at
		FROM connections ORDER BY sort_order ASC, display_name ASC`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "list-connections", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// UpdateConnection overwrites the mutable fields of the connection
// identified by conn.ID.
func (s *Store) UpdateConnection(ctx context.Context, conn Connection) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET
			display_name = ?, dialect = ?, settings_json = ?, permissions = ?,
			sort_order = ?, favorite = ?, color = ?, group_id = ?, updated_at = ?
		WHERE id = ?`,
		conn.DisplayName, conn.Dialect, conn.SettingsJSON, string(conn.Permissions),
		conn.SortOrder, boolToInt(conn.Favorite), conn.Color, nullableString(conn.GroupID), nowUTC(), conn.ID)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "update-connection", err)
	}
	return checkRowAffected(res, "connection", conn.ID)
}

// DeleteConnection removes the connection and cascades into history,
// schema cache, session state, and per-connection settings; bound
// scripts are nullified rather than deleted (§4.4).
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "delete-connection-begin", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{"DELETE FROM query_history WHERE connection_id = ?", []any{id}},
		{"DELETE FROM schema_cache WHERE connection_id = ?", []any{id}},
		{"DELETE FROM session_state WHERE connection_id = ?", []any{id}},
		{"DELETE FROM connection_settings WHERE connection_id = ?", []any{id}},
		{"UPDATE saved_scripts SET connection_id = NULL WHERE connection_id = ?", []any{id}},
		{"DELETE FROM connections WHERE id = ?", []any{id}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return gwerrors.Wrap(gwerrors.KindStoreIO, "delete-connection", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "delete-connection-commit", err)
	}
	return nil
}

func scanConnection(row interface{ Scan(...any) error }) (Connection, error) {
	var conn Connection
	var permissions, createdAt, updatedAt string
	var favoriteInt int
	if err := row.Scan(&conn.ID, &conn.DisplayName, &conn.Dialect, &conn.SettingsJSON,
		&permissions, &conn.SortOrder, &favoriteInt, &conn.Color, &conn.GroupID, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Connection{}, gwerrors.New(gwerrors.KindStoreIO, "connection-not-found", "")
		}
		return Connection{}, gwerrors.Wrap(gwerrors.KindStoreIO, "scan-connection", err)
	}
	conn.Permissions = Permission(permissions)
	conn.Favorite = favoriteInt != 0
	conn.CreatedAt = parseTime(createdAt)
	conn.UpdatedAt = parseTime(updatedAt)
	return conn, nil
}

// --- Query history -----------------------------------------------------

// AppendHistory writes one append-only history entry. Failures to
// persist are the caller's concern to log and ignore (§4.7) — this
// method simply reports them.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_history
			(id, connection_id, sql_text, status, row_count, duration_ms, error_message, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConnectionID, entry.SQLText, string(entry.Status),
		entry.RowCount, entry.DurationMS, entry.ErrorMessage, entry.ExecutedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "append-history", err)
	}
	return nil
}

// ListHistory returns up to limit entries, descending by executed_at,
// optionally filtered to one connection (empty connectionID means all).
func (s *Store) ListHistory(ctx context.Context, connectionID string, limit int) ([]HistoryEntry, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	query := `SELECT id, connection_id, sql_text, status, row_count, duration_ms, error_message, executed_at
		FROM query_history`
	args := []any{}
	if connectionID != "" {
		query += " WHERE connection_id = ?"
		args = append(args, connectionID)
	}
	query += " ORDER BY executed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "list-history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var status, executedAt string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.SQLText, &status, &e.RowCount,
			&e.DurationMS, &e.ErrorMessage, &executedAt); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "scan-history", err)
		}
		e.Status = HistoryStatus(status)
		e.ExecutedAt = parseTime(executedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Saved scripts -----------------------------------------------------

// CreateScript persists script, assigning a positive id.
func (s *Store) CreateScript(ctx context.Context, script Script) (Script, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_scripts (connection_id, name, description, body, tags, favorite, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(script.ConnectionID), script.Name, script.Description, script.Body,
		strings.Join(script.Tags, ","), boolToInt(script.Favorite), now, now)
	if err != nil {
		return Script{}, gwerrors.Wrap(gwerrors.KindStoreIO, "create-script", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Script{}, gwerrors.Wrap(gwerrors.KindStoreIO, "create-script-id", err)
	}
	return s.GetScript(ctx, id)
}

// GetScript returns the script row for id.
func (s *Store) GetScript(ctx context.Context, id int64) (Script, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(connection_id, ''), name, description, body, tags, favorite, created_at, updated_at
		FROM saved_scripts WHERE id = ?`, id)
	return scanScript(row)
}

// ListScripts returns every saved script ordered by updated_at desc.
func (s *Store) ListScripts(ctx context.Context) ([]Script, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(connection_id, ''), name, description, body, tags, favorite, created_at, updated_at
		FROM saved_scripts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreIO, "list-scripts", err)
	}
	defer rows.Close()

	var out []Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, script)
	}
	return out, rows.Err()
}

// UpdateScript overwrites the mutable fields of the script identified
// by script.ID.
func (s *Store) UpdateScript(ctx context.Context, script Script) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE saved_scripts SET
			connection_id = ?, name = ?, description = ?, body = ?, tags = ?, favorite = ?, updated_at = ?
		WHERE id = ?`,
		nullableString(script.ConnectionID), script.Name, script.Description, script.Body,
		strings.Join(script.Tags, ","), boolToInt(script.Favorite), nowUTC(), script.ID)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "update-script", err)
	}
	return checkRowAffected(res, "script", fmt.Sprintf("%d", script.ID))
}

// DeleteScript removes the script identified by id.
func (s *Store) DeleteScript(ctx context.Context, id int64) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_scripts WHERE id = ?`, id)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "delete-script", err)
	}
	return checkRowAffected(res, "script", fmt.Sprintf("%d", id))
}

func scanScript(row interface{ Scan(...any) error }) (Script, error) {
	var s Script
	var connID, tags, createdAt, updatedAt string
	var favoriteInt int
	if err := row.Scan(&s.ID, &connID, &s.Name, &s.Description, &s.Body, &tags, &favoriteInt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Script{}, gwerrors.New(gwerrors.KindStoreIO, "script-not-found", "")
		}
		return Script{}, gwerrors.Wrap(gwerrors.KindStoreIO, "scan-script", err)
	}
	s.ConnectionID = connID
	if tags != "" {
		s.Tags = strings.Split(tags, ",")
	}
	s.Favorite = favoriteInt != 0
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// --- Session blob, app settings, per-connection settings ---------------

// GetSessionBlob returns the opaque session blob for connectionID, or
// "" if none has been saved yet. The store never interprets the blob.
func (s *Store) GetSessionBlob(ctx context.Context, connectionID string) (string, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM session_state WHERE connection_id = ?`, connectionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindStoreIO, "get-session-blob", err)
	}
	return blob, nil
}

// PutSessionBlob upserts the opaque session blob for connectionID.
func (s *Store) PutSessionBlob(ctx context.Context, connectionID, blob string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (connection_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		connectionID, blob, nowUTC())
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "put-session-blob", err)
	}
	return nil
}

// GetSetting returns the app setting for key, or "" if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindStoreIO, "get-setting", err)
	}
	return value, nil
}

// PutSetting upserts the app setting for key.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowUTC())
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "put-setting", err)
	}
	return nil
}

// GetConnectionSettings returns the per-connection settings blob (the
// Oracle settings bag from §6, serialized by the caller), or "" if unset.
func (s *Store) GetConnectionSettings(ctx context.Context, connectionID string) (string, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	var settings string
	err := s.db.QueryRowContext(ctx, `SELECT settings_json FROM connection_settings WHERE connection_id = ?`, connectionID).Scan(&settings)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindStoreIO, "get-connection-settings", err)
	}
	return settings, nil
}

// PutConnectionSettings upserts the per-connection settings blob.
func (s *Store) PutConnectionSettings(ctx context.Context, connectionID, settingsJSON string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_settings (connection_id, settings_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET settings_json = excluded.settings_json, updated_at = excluded.updated_at`,
		connectionID, settingsJSON, nowUTC())
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "put-connection-settings", err)
	}
	return nil
}

// --- Schema cache -----------------------------------------------------

// GetSchemaCache returns the cached snapshot JSON and when it was
// built, or ok=false if no cache entry exists.
func (s *Store) GetSchemaCache(ctx context.Context, connectionID string) (snapshotJSON string, builtAt time.Time, ok bool, err error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	var builtAtStr string
	scanErr := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json, built_at FROM schema_cache WHERE connection_id = ?`, connectionID).
		Scan(&snapshotJSON, &builtAtStr)
	if scanErr == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if scanErr != nil {
		return "", time.Time{}, false, gwerrors.Wrap(gwerrors.KindStoreIO, "get-schema-cache", scanErr)
	}
	return snapshotJSON, parseTime(builtAtStr), true, nil
}

// PutSchemaCache upserts the cached snapshot for connectionID.
func (s *Store) PutSchemaCache(ctx context.Context, connectionID, snapshotJSON string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_cache (connection_id, snapshot_json, built_at) VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET snapshot_json = excluded.snapshot_json, built_at = excluded.built_at`,
		connectionID, snapshotJSON, nowUTC())
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "put-schema-cache", err)
	}
	return nil
}

// InvalidateSchemaCache drops the cached snapshot for connectionID, if
// any, forcing the next lookup to rebuild via adapter.Introspect.
func (s *Store) InvalidateSchemaCache(ctx context.Context, connectionID string) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM schema_cache WHERE connection_id = ?`, connectionID)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "invalidate-schema-cache", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreIO, "rows-affected", err)
	}
	if n == 0 {
		return gwerrors.New(gwerrors.KindStoreIO, kind+"-not-found", id)
	}
	return nil
}
