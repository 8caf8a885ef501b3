// driver/sqlite/sqlite.go
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("driver-sqlite")

const dialectName = "sqlite"

func init() {
	executor.Register(dialectName, func() executor.Executor { return &Executor{} })
}

// Executor is the SQLite Executor (§4.3). Targets a workbench's local
// files, not the gateway's own metadata store (pkg/store owns that file
// directly rather than going through this adapter).
type Executor struct{}

var _ executor.Executor = (*Executor)(nil)

func (Executor) Dialect() string { return dialectName }

func buildDSN(cfg executor.ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("sqlite: database path is required")
	}
	dsn := cfg.Database
	if len(cfg.Settings) > 0 {
		dsn += "?"
		first := true
		for k, v := range cfg.Settings {
			if !first {
				dsn += "&"
			}
			if s, ok := v.(string); ok {
				dsn += fmt.Sprintf("%s=%s", k, s)
			}
			first = false
		}
	}
	return dsn, nil
}

func (Executor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	db, err := sql.Open("sqlite3", dsn)
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
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "sqlite-open", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "sqlite-sql-open", err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" under concurrent access from the same process.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "sqlite-ping", err)
	}

	log.Printf("opened sqlite connection to %s", cfg.Database)
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

// Adapter is a live SQLite connection.
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
		return nil, gwerrors.New(gwerrors.KindInternal, "sqlite-adapter", "adapter closed")
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
			return nil, gwerrors.WrapExec("sqlite-exec", err)
		}
		affected, _ := res.RowsAffected()
		cancel()
		return &executor.ColumnStream{AffectedRows: affected}, nil
	}

	rows, err := db.QueryContext(runCtx, stmt.Text)
	if err != nil {
		cancel()
		return nil, gwerrors.WrapExec("sqlite-query", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, gwerrors.WrapExec("sqlite-columns", err)
	}
	return &executor.ColumnStream{
		Columns: value.ColumnList(cols),
		Rows:    executor.NewSQLRowSource(rows, a.enc, len(cols)),
	}, nil
}

// Cancel is best-effort: mattn/go-sqlite3 runs queries on the calling
// goroutine with no server-side cancellation, so this only unblocks the
// context passed to Execute's runCtx, not sqlite3's C call already in
// flight.
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

	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-introspect-tables", err)
	}
	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-introspect-scan", err)
		}
		tableNames = append(tableNames, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-introspect-iter", err)
	}

	var snapshot executor.SchemaSnapshot
	columnSeen := make(map[string]bool)
	for _, name := range tableNames {
		table := executor.Table{Schema: "main", Name: name}
		colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-introspect-pragma", err)
		}
		for colRows.Next() {
			var cid int
			var colName, colType string
			var notNull int
			var dfltValue sql.NullString
			var pk int
			if err := colRows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
				colRows.Close()
				return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-introspect-pragma-scan", err)
			}
			table.Columns = append(table.Columns, executor.Column{
				Name:     colName,
				DataType: colType,
				Nullable: notNull == 0,
				Default:  dfltValue.String,
			})
			if !columnSeen[colName] {
				columnSeen[colName] = true
				snapshot.ColumnNames = append(snapshot.ColumnNames, colName)
			}
		}
		colRows.Close()
		snapshot.Tables = append(snapshot.Tables, table)
	}
	snapshot.SchemaNames = []string{"main"}
	return &snapshot, nil
}

func (a *Adapter) ListCatalog(ctx context.Context, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	query, ok := catalogQueries[kind]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindIntrospectFailed, "sqlite-catalog", "unsupported catalog kind "+string(kind))
	}
	rows, err := db.QueryContext(ctx, query+" LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "sqlite-catalog-query", err)
	}
	defer rows.Close()
	return executor.ScanCatalogRows(rows)
}

var catalogQueries = map[executor.CatalogKind]string{
	executor.CatalogIndexes:  "SELECT name, tbl_name, sql FROM sqlite_master WHERE type = 'index' ORDER BY tbl_name, name",
	executor.CatalogTriggers: "SELECT name, tbl_name, sql FROM sqlite_master WHERE type = 'trigger' ORDER BY tbl_name, name",
	executor.CatalogViews:    "SELECT name, sql FROM sqlite_master WHERE type = 'view' ORDER BY name",
}
