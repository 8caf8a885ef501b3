package executor

// Column describes one column of one table in a SchemaSnapshot.
type Column struct {
	Name     string
	DataType string
	Nullable bool
	Default  string
}

// Table describes one table (or view) discovered during introspection.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// SchemaSnapshot is the introspection result for one connection: the
// table/column shape plus derived lookups used by autocomplete. Cache
// invalidated on explicit refresh or on dialect-side reconnect (§3).
type SchemaSnapshot struct {
	Tables      []Table
	SchemaNames []string
	// ColumnNames is the distinct column-name set across every table,
	// used for autocomplete; order is insertion order, not sorted.
	ColumnNames []string
}

// CatalogRow is one row of a dialect-specific catalog listing (indexes,
// constraints, triggers, routines, views) — a free-form name/value
// mapping since each dialect's system catalog shape differs.
type CatalogRow map[string]string

// CatalogKind enumerates the dialect-specific views exposed in §6.
type CatalogKind string

const (
	CatalogIndexes     CatalogKind = "indexes"
	CatalogConstraints CatalogKind = "constraints"
	CatalogTriggers    CatalogKind = "triggers"
	CatalogRoutines    CatalogKind = "routines"
	CatalogViews       CatalogKind = "views"
)
