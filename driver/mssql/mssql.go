// driver/mssql/mssql.go
package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("driver-mssql")

const dialectName = "mssql"

func init() {
	executor.Register(dialectName, func() executor.Executor { return &Executor{} })
}

// Executor is the MSSQL Executor (§4.3).
type Executor struct{}

var _ executor.Executor = (*Executor)(nil)

func (Executor) Dialect() string { return dialectName }

func buildConnString(cfg executor.ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("mssql: host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 1433
	}

	connURL := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			connURL.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			connURL.User = url.User(cfg.User)
		}
	}

	query := url.Values{}
	if cfg.Database != "" {
		query.Set("database", cfg.Database)
	}
	query.Set("encrypt", "disable")
	for k, v := range cfg.Settings {
		if s, ok := v.(string); ok {
			query.Set(k, s)
		}
	}
	connURL.RawQuery = query.Encode()
	return connURL.String(), nil
}

func (Executor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	connStr, err := buildConnString(cfg)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	return executor.ProbeResult{OK: true}
}

func (e Executor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("opened mssql connection to %s", cfg.Host)
	return &Adapter{db: db, cfg: cfg, enc: value.NewEncoder(4096)}, nil
}

func openDB(ctx context.Context, cfg executor.ConnectionConfig) (*sql.DB, error) {
	connStr, err := buildConnString(cfg)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "mssql-open", err)
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "mssql-sql-open", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "mssql-ping", err)
	}
	return db, nil
}

func (Executor) Split(sql string) ([]executor.Statement, error) {
	stmts := splitter.Split(sql, splitter.DialectMSSQL)
	out := make([]executor.Statement, len(stmts))
	for i, s := range stmts {
		out[i] = executor.Statement{Text: s.Text, ReturnsValues: s.ReturnsValues}
	}
	return out, nil
}

// Adapter is a live MSSQL connection. Unlike postgres/sqlite, a dropped TCP
// session is reconnected transparently once (Open Question 3) rather than
// surfaced as a fatal error: an idle MSSQL session is routinely reset by
// firewalls/load balancers and the gateway treats that as recoverable.
type Adapter struct {
	cfg executor.ConnectionConfig
	enc value.Encoder

	connMu sync.RWMutex
	db     *sql.DB

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

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn)
}

// reconnect replaces the underlying *sql.DB once, used only when the
// previous session reports driver.ErrBadConn.
func (a *Adapter) reconnect(ctx context.Context) error {
	newDB, err := openDB(ctx, a.cfg)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindConnectFailed, "mssql-reconnect", err)
	}
	a.connMu.Lock()
	old := a.db
	a.db = newDB
	a.connMu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("reconnected mssql session to %s after bad connection", a.cfg.Host)
	return nil
}

func (a *Adapter) currentDB() (*sql.DB, error) {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	if a.db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "mssql-adapter", "adapter closed")
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
			if isBadConn(err) {
				if rerr := a.reconnect(ctx); rerr == nil {
					return a.Execute(ctx, stmt)
				}
			}
			return nil, gwerrors.WrapExec("mssql-exec", err)
		}
		affected, _ := res.RowsAffected()
		cancel()
		return &executor.ColumnStream{AffectedRows: affected}, nil
	}

	rows, err := db.QueryContext(runCtx, stmt.Text)
	if err != nil {
		cancel()
		if isBadConn(err) {
			if rerr := a.reconnect(ctx); rerr == nil {
				return a.Execute(ctx, stmt)
			}
		}
		return nil, gwerrors.WrapExec("mssql-query", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, gwerrors.WrapExec("mssql-columns", err)
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
		SELECT s.name, t.name, c.name, ty.name, c.is_nullable, ISNULL(dc.definition, '')
		FROM sys.tables t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.columns c ON c.object_id = t.object_id
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
		ORDER BY s.name, t.name, c.column_id`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "mssql-introspect-query", err)
	}
	defer rows.Close()

	tableIndex := make(map[string]int)
	var snapshot executor.SchemaSnapshot
	schemaSeen := make(map[string]bool)
	columnSeen := make(map[string]bool)

	for rows.Next() {
		var schemaName, tableName, columnName, dataType string
		var nullable bool
		var defaultExpr string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType, &nullable, &defaultExpr); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "mssql-introspect-scan", err)
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
			Nullable: nullable,
			Default:  defaultExpr,
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
		return nil, gwerrors.New(gwerrors.KindIntrospectFailed, "mssql-catalog", "unsupported catalog kind "+string(kind))
	}
	rows, err := db.QueryContext(ctx, query+" ORDER BY 1 OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY", offset, limit)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "mssql-catalog-query", err)
	}
	defer rows.Close()
	return executor.ScanCatalogRows(rows)
}

var catalogQueries = map[executor.CatalogKind]string{
	executor.CatalogIndexes:     "SELECT s.name AS schema_name, t.name AS table_name, i.name AS index_name FROM sys.indexes i JOIN sys.tables t ON t.object_id = i.object_id JOIN sys.schemas s ON s.schema_id = t.schema_id WHERE i.name IS NOT NULL",
	executor.CatalogConstraints: "SELECT s.name AS schema_name, t.name AS table_name, o.name AS constraint_name, o.type_desc FROM sys.objects o JOIN sys.tables t ON t.object_id = o.parent_object_id JOIN sys.schemas s ON s.schema_id = t.schema_id WHERE o.type IN ('PK','F','UQ','C')",
	executor.CatalogTriggers:    "SELECT s.name AS schema_name, tr.name AS trigger_name, OBJECT_NAME(tr.parent_id) AS table_name FROM sys.triggers tr JOIN sys.tables t ON t.object_id = tr.parent_id JOIN sys.schemas s ON s.schema_id = t.schema_id",
	executor.CatalogRoutines:    "SELECT ROUTINE_SCHEMA AS schema_name, ROUTINE_NAME AS routine_name, ROUTINE_TYPE AS routine_type FROM INFORMATION_SCHEMA.ROUTINES",
	executor.CatalogViews:       "SELECT TABLE_SCHEMA AS schema_name, TABLE_NAME AS table_name, VIEW_DEFINITION AS view_definition FROM INFORMATION_SCHEMA.VIEWS",
}
