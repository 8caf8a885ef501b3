// driver/duckdb/duckdb.go
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("driver-duckdb")

const dialectName = "duckdb"

func init() {
	executor.Register(dialectName, func() executor.Executor { return &Executor{} })
}

// Executor is the DuckDB Executor (§4.3). DuckDB's own file or in-memory
// database; cfg.Database is either a path or ":memory:".
type Executor struct{}

var _ executor.Executor = (*Executor)(nil)

func (Executor) Dialect() string { return dialectName }

func buildDSN(cfg executor.ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Database == "" {
		return ":memory:", nil
	}
	return cfg.Database, nil
}

func (Executor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	return executor.ProbeResult{OK: true}
}

func (Executor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "duckdb-open", err)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "duckdb-sql-open", err)
	}
	// DuckDB allows concurrent readers but serializes writers per file; a
	// single connection keeps the adapter's semantics simple and matches
	// the one-writer-at-a-time model the sqlite adapter already uses.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "duckdb-ping", err)
	}

	log.Printf("opened duckdb connection to %s", dsn)
	return &Adapter{db: db, enc: value.NewEncoder(4096)}, nil
}

func (Executor) Split(sql string) ([]executor.Statement, error) {
	stmts := splitter.Split(sql, splitter.DialectANSI)
	out := make([]executor.Statement, len(stmts))
	for i, s := range stmts {
		out[i] = executor.Statement{Text: s.Text, ReturnsValues: s.ReturnsValues}
	}
	return out, nil
}

// Adapter is a live DuckDB connection.
type Adapter struct {
	db     *sql.DB
	enc    value.Encoder
	connMu sync.RWMutex

	runningMu sync.Mutex
	cancelRun context.CancelFunc
}

var _ executor.Adapter = (*Adapter)(nil)

func (a *Adapter) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) currentDB() (*sql.DB, error) {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	if a.db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "duckdb-adapter", "adapter closed")
	}
	return a.db, nil
}

func (a *Adapter) Execute(ctx context.Context, stmt executor.Statement) (*executor.ColumnStream, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.runningMu.Lock()
	a.cancelRun = cancel
	a.runningMu.Unlock()

	if !bool(stmt.ReturnsValues) {
		res, err := db.ExecContext(runCtx, stmt.Text)
		if err != nil {
			cancel()
			return nil, gwerrors.WrapExec("duckdb-exec", err)
		}
		affected, _ := res.RowsAffected()
		cancel()
		return &executor.ColumnStream{AffectedRows: affected}, nil
	}

	rows, err := db.QueryContext(runCtx, stmt.Text)
	if err != nil {
		cancel()
		return nil, gwerrors.WrapExec("duckdb-query", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, gwerrors.WrapExec("duckdb-columns", err)
	}
	return &executor.ColumnStream{
		Columns: value.ColumnList(cols),
		Rows:    executor.NewSQLRowSource(rows, a.enc, len(cols)),
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context) error {
	a.runningMu.Lock()
	cancel := a.cancelRun
	a.runningMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) Introspect(ctx context.Context) (*executor.SchemaSnapshot, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "duckdb-introspect-query", err)
	}
	defer rows.Close()

	tableIndex := make(map[string]int)
	var snapshot executor.SchemaSnapshot
	schemaSeen := make(map[string]bool)
	columnSeen := make(map[string]bool)

	for rows.Next() {
		var schemaName, tableName, columnName, dataType, isNullable, columnDefault string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType, &isNullable, &columnDefault); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "duckdb-introspect-scan", err)
		}
		key := schemaName + "." + tableName
		idx, ok := tableIndex[key]
		if !ok {
			snapshot.Tables = append(snapshot.Tables, executor.Table{Schema: schemaName, Name: tableName})
			idx = len(snapshot.Tables) - 1
			tableIndex[key] = idx
		}
		snapshot.Tables[idx].Columns = append(snapshot.Tables[idx].Columns, executor.Column{
			Name:     columnName,
			DataType: dataType,
			Nullable: isNullable == "YES",
			Default:  columnDefault,
		})
		if !schemaSeen[schemaName] {
			schemaSeen[schemaName] = true
			snapshot.SchemaNames = append(snapshot.SchemaNames, schemaName)
		}
		if !columnSeen[columnName] {
			columnSeen[columnName] = true
			snapshot.ColumnNames = append(snapshot.ColumnNames, columnName)
		}
	}
	return &snapshot, rows.Err()
}

func (a *Adapter) ListCatalog(ctx context.Context, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	query, ok := catalogQueries[kind]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindIntrospectFailed, "duckdb-catalog", "unsupported catalog kind "+string(kind))
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, offset))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "duckdb-catalog-query", err)
	}
	defer rows.Close()
	return executor.ScanCatalogRows(rows)
}

var catalogQueries = map[executor.CatalogKind]string{
	executor.CatalogIndexes:     "SELECT schema_name, table_name, index_name, sql FROM duckdb_indexes() ORDER BY schema_name, table_name",
	executor.CatalogConstraints: "SELECT schema_name, table_name, constraint_type FROM duckdb_constraints() ORDER BY schema_name, table_name",
	executor.CatalogViews:       "SELECT schema_name, view_name, sql FROM duckdb_views() ORDER BY schema_name, view_name",
}
