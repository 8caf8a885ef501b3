// Package executor defines the driver adapter contract every dialect
// package (driver/postgres, driver/mssql, driver/sqlite, driver/oracle,
// driver/duckdb) implements. A single Executor interface replaces the
// dialect/datasource split the gateway's ancestor used: one adapter owns
// probing, opening, closing, introspecting, splitting and executing for
// its dialect, and owns its own driver session(s) exclusively.
package executor

import (
	"context"

	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

// ReturnsValues classifies a split statement by whether executing it is
// expected to produce a column list (SELECT/WITH/VALUES/SHOW/EXPLAIN/
// DESCRIBE) or not (DML/DDL).
type ReturnsValues = splitter.ReturnsValues

// Statement is one unit returned by Split: a statement's text plus the
// cheap prefix classification used before execution even starts.
type Statement = splitter.Statement

// ConnectionConfig is the adapter-agnostic connection configuration
// blob; adapters type-assert or decode the Settings map for
// dialect-specific options (e.g. Oracle's settings bag from §6).
type ConnectionConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	DSN      string // overrides Host/Port/Database/User/Password when set
	Settings map[string]any
}

// ProbeResult is the outcome of Probe: either ok, or a reason string
// safe to surface to a caller (never a raw driver error).
type ProbeResult struct {
	OK     bool
	Reason string
}

// ColumnStream is what Execute returns: a column list (empty for
// DML/DDL) and a lazy row source. Callers drain Rows until it reports
// done; AffectedRows is only meaningful once the stream is drained and
// Columns was empty.
type ColumnStream struct {
	Columns      value.ColumnList
	Rows         RowSource
	AffectedRows int64
}

// RowSource is a pull-based row iterator honoring cancellation at the
// next row boundary, per the adapter contract (§4.3).
type RowSource interface {
	// Next advances to the next row, returning false at end of stream
	// or on error (check Err). Honors ctx cancellation between rows.
	Next(ctx context.Context) bool
	// Row returns the row most recently advanced to by Next.
	Row() value.Row
	// Err returns the terminal error, if any, after Next returns false.
	Err() error
	// Close releases any resources held by the stream. Idempotent.
	Close() error
}

// Adapter is an opened, live connection to a specific database. Each
// Adapter owns its driver session(s) exclusively; adapters never share
// mutable state with one another.
type Adapter interface {
	// Close releases resources. Must be idempotent.
	Close() error
	// Introspect builds a fresh SchemaSnapshot by querying catalog
	// tables/views. Callers typically go through pkg/introspection's
	// TTL cache rather than calling this directly.
	Introspect(ctx context.Context) (*SchemaSnapshot, error)
	// Execute runs one already-split statement, returning a column
	// list (immediately known) plus a lazy row source. cancel is
	// observed at the next row boundary.
	Execute(ctx context.Context, stmt Statement) (*ColumnStream, error)
	// Cancel requests server-side cancellation of whatever statement
	// is currently running on this adapter's session.
	Cancel(ctx context.Context) error
	// ListCatalog returns one page of a dialect-specific catalog
	// listing (indexes/constraints/triggers/routines/views), offset
	// and limit controlling the page window.
	ListCatalog(ctx context.Context, kind CatalogKind, offset, limit int) ([]CatalogRow, error)
}

// Executor is the per-dialect factory: it knows how to probe a
// configuration without retaining resources, how to open a live
// Adapter, and how to split raw SQL text into statements using this
// dialect's quoting/comment/block rules.
type Executor interface {
	// Dialect returns the unique dialect name, e.g. "postgres", "mssql".
	Dialect() string
	// Probe connects, runs a trivial query, and disconnects. No side
	// effects in the metadata store.
	Probe(ctx context.Context, cfg ConnectionConfig) ProbeResult
	// Open acquires resources for a live connection. Open itself does not
	// retry; the reconnect policies of driver/mssql (on execute) and
	// driver/oracle (on cancel) live in their adapters.
	Open(ctx context.Context, cfg ConnectionConfig) (Adapter, error)
	// Split divides raw SQL text into an ordered statement sequence
	// using this dialect's splitting rules (§4.5).
	Split(sql string) ([]Statement, error)
}
