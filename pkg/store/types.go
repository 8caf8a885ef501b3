// Package store implements the Metadata Store (§4.2): a single embedded
// SQLite file holding connections, query history, saved scripts,
// connection groups, app settings, per-connection settings, the opaque
// session blob, and the schema snapshot cache.
package store

import "time"

// Permission is a Connection's access level.
type Permission string

const (
	PermissionReadOnly  Permission = "read_only"
	PermissionReadWrite Permission = "read_write"
)

// Connection is a persisted connection row (§3).
type Connection struct {
	ID           string
	DisplayName  string
	Dialect      string
	SettingsJSON string // dialect-specific settings, opaque to the store
	Permissions  Permission
	SortOrder    int
	Favorite     bool
	Color        string
	GroupID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryStatus is the terminal outcome of one history entry.
type HistoryStatus string

const (
	HistorySuccess   HistoryStatus = "success"
	HistoryError     HistoryStatus = "error"
	HistoryCancelled HistoryStatus = "cancelled"
	HistoryTimeout   HistoryStatus = "timeout"
)

// HistoryEntry is one append-only query-history row (§3).
type HistoryEntry struct {
	ID           string
	ConnectionID string
	SQLText      string
	Status       HistoryStatus
	RowCount     int64
	DurationMS   int64
	ErrorMessage string
	ExecutedAt   time.Time
}

// Script is a persisted saved script (§3). Unsaved scripts (negative
// id, per §3) live only in the session blob and never reach the store.
type Script struct {
	ID           int64
	ConnectionID string // empty means unbound
	Name         string
	Description  string
	Body         string
	Tags         []string
	Favorite     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConnectionGroup groups connections for display ordering.
type ConnectionGroup struct {
	ID        string
	Name      string
	SortOrder int
	CreatedAt time.Time
}
