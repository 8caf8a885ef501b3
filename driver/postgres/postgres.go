// driver/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("driver-postgres")

const dialectName = "postgres"

func init() {
	executor.Register(dialectName, func() executor.Executor { return &Executor{} })
}

// Executor is the Postgres Executor (§4.3). It carries no connection
// state of its own; every live session lives on an Adapter.
type Executor struct{}

var _ executor.Executor = (*Executor)(nil)

func (Executor) Dialect() string { return dialectName }

func buildDSN(cfg executor.ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Host == "" || cfg.Port == 0 || cfg.User == "" || cfg.Database == "" {
		return "", fmt.Errorf("postgres: host, port, user, and database are required")
	}
	dsn := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Database,
	}
	query := dsn.Query()
	sslMode := "disable"
	for k, v := range cfg.Settings {
		if k == "sslmode" {
			if s, ok := v.(string); ok {
				sslMode = s
			}
			continue
		}
		if s, ok := v.(string); ok {
			query.Set(k, s)
		}
	}
	query.Set("sslmode", sslMode)
	dsn.RawQuery = query.Encode()
	return dsn.String(), nil
}

func (Executor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	if _, err := db.ExecContext(pingCtx, "SELECT 1"); err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	return executor.ProbeResult{OK: true}
}

func (Executor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "postgres-open", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "postgres-sql-open", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "postgres-ping", err)
	}

	log.Printf("opened postgres connection to %s:%v", cfg.Host, cfg.Database)
	return &Adapter{db: db, enc: value.NewEncoder(4096)}, nil
}

func (Executor) Split(sql string) ([]executor.Statement, error) {
	stmts := splitter.Split(sql, splitter.DialectPostgres)
	out := make([]executor.Statement, len(stmts))
	for i, s := range stmts {
		out[i] = executor.Statement{Text: s.Text, ReturnsValues: s.ReturnsValues}
	}
	return out, nil
}

// Adapter is a live Postgres connection.
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

func (a *Adapter) Execute(ctx context.Context, stmt executor.Statement) (*executor.ColumnStream, error) {
	a.connMu.RLock()
	db := a.db
	a.connMu.RUnlock()
	if db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "postgres-execute", "adapter closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.runningMu.Lock()
	a.cancelRun = cancel
	a.runningMu.Unlock()

	if !bool(stmt.ReturnsValues) {
		res, err := db.ExecContext(runCtx, stmt.Text)
		if err != nil {
			cancel()
			return nil, gwerrors.WrapExec("postgres-exec", err)
		}
		affected, _ := res.RowsAffected()
		cancel()
		return &executor.ColumnStream{AffectedRows: affected}, nil
	}

	rows, err := db.QueryContext(runCtx, stmt.Text)
	if err != nil {
		cancel()
		return nil, gwerrors.WrapExec("postgres-query", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, gwerrors.WrapExec("postgres-columns", err)
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
	a.connMu.RLock()
	db := a.db
	a.connMu.RUnlock()
	if db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "postgres-introspect", "adapter closed")
	}

	rows, err := db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "postgres-introspect-query", err)
	}
	defer rows.Close()

	return buildSnapshot(rows)
}

func buildSnapshot(rows *sql.Rows) (*executor.SchemaSnapshot, error) {
	tableIndex := make(map[string]int)
	var snapshot executor.SchemaSnapshot
	schemaSeen := make(map[string]bool)
	columnSeen := make(map[string]bool)

	for rows.Next() {
		var schemaName, tableName, columnName, dataType, isNullable, columnDefault string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType, &isNullable, &columnDefault); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "postgres-introspect-scan", err)
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
	a.connMu.RLock()
	db := a.db
	a.connMu.RUnlock()
	if db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "postgres-catalog", "adapter closed")
	}

	query, ok := catalogQueries[kind]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindIntrospectFailed, "postgres-catalog", "unsupported catalog kind "+string(kind))
	}
	rows, err := db.QueryContext(ctx, query+" OFFSET $1 LIMIT $2", offset, limit)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "postgres-catalog-query", err)
	}
	defer rows.Close()
	return executor.ScanCatalogRows(rows)
}

var catalogQueries = map[executor.CatalogKind]string{
	executor.CatalogIndexes:     "SELECT schemaname, tablename, indexname, indexdef FROM pg_indexes ORDER BY schemaname, tablename, indexname",
	executor.CatalogConstraints: "SELECT table_schema, table_name, constraint_name, constraint_type FROM information_schema.table_constraints ORDER BY table_schema, table_name",
	executor.CatalogTriggers:    "SELECT trigger_schema, trigger_name, event_object_table, action_timing FROM information_schema.triggers ORDER BY trigger_schema, trigger_name",
	executor.CatalogRoutines:    "SELECT routine_schema, routine_name, routine_type, data_type FROM information_schema.routines ORDER BY routine_schema, routine_name",
	executor.CatalogViews:       "SELECT table_schema, table_name, view_definition FROM information_schema.views ORDER BY table_schema, table_name",
}
