// driver/oracle/oracle.go
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/godror/godror"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("driver-oracle")

const (
	dialectName       = "oracle"
	defaultJobQueue   = 8
	defaultMaxRetries = 3
	defaultBackoffMS  = 250
)

func init() {
	executor.Register(dialectName, func() executor.Executor { return &Executor{} })
}

// Executor is the Oracle Executor (§4.3). godror wraps OCI, whose calls
// block the calling OS thread; every Adapter bridges this with a single
// worker goroutine reading from a bounded job channel so the gateway's
// async callers never block directly on an OCI call.
type Executor struct{}

var _ executor.Executor = (*Executor)(nil)

func (Executor) Dialect() string { return dialectName }

func buildDSN(cfg executor.ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.User == "" {
		return "", fmt.Errorf("oracle: host, database (service name), and user are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 1521
	}
	connectStr := fmt.Sprintf(`(DESCRIPTION=(ADDRESS=(PROTOCOL=TCP)(HOST=%s)(PORT=%d))(CONNECT_DATA=(SERVICE_NAME=%s)))`,
		cfg.Host, port, cfg.Database)
	return fmt.Sprintf(`user="%s" password="%s" connectString="%s"`, cfg.User, cfg.Password, connectStr), nil
}

func reconnectSettings(cfg executor.ConnectionConfig) (maxRetries int, backoff time.Duration) {
	maxRetries = defaultMaxRetries
	backoff = defaultBackoffMS * time.Millisecond
	if v, ok := cfg.Settings["reconnect_max_retries"]; ok {
		if n, err := toInt(v); err == nil {
			maxRetries = n
		}
	}
	if v, ok := cfg.Settings["reconnect_backoff_ms"]; ok {
		if n, err := toInt(v); err == nil {
			backoff = time.Duration(n) * time.Millisecond
		}
	}
	return maxRetries, backoff
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("oracle: cannot convert %T to int", v)
	}
}

func (Executor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return executor.ProbeResult{OK: false, Reason: err.Error()}
	}
	db, err := sql.Open("godror", dsn)
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

func openDB(ctx context.Context, cfg executor.ConnectionConfig) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "oracle-open", err)
	}
	db, err := sql.Open("godror", dsn)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "oracle-sql-open", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConnectFailed, "oracle-ping", err)
	}
	return db, nil
}

func (Executor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:  cfg,
		db:   db,
		enc:  value.NewEncoder(4096),
		jobs: make(chan func(), defaultJobQueue),
		done: make(chan struct{}),
	}
	go a.workerLoop()
	log.Printf("opened oracle connection to %s (service %s)", cfg.Host, cfg.Database)
	return a, nil
}

func (Executor) Split(sql string) ([]executor.Statement, error) {
	stmts := splitter.SplitOracle(sql)
	out := make([]executor.Statement, len(stmts))
	for i, s := range stmts {
		out[i] = executor.Statement{Text: s.Text, ReturnsValues: s.ReturnsValues}
	}
	return out, nil
}

// Adapter is a live Oracle connection. Every Execute/Introspect/ListCatalog
// call is handed to the single worker goroutine; the caller's goroutine
// never calls into godror directly.
type Adapter struct {
	cfg executor.ConnectionConfig
	enc value.Encoder

	connMu sync.RWMutex
	db     *sql.DB

	jobs chan func()
	done chan struct{}

	runningMu sync.Mutex
	cancelRun context.CancelFunc
	inFlight  bool
}

var _ executor.Adapter = (*Adapter)(nil)

func (a *Adapter) workerLoop() {
	for {
		select {
		case job, ok := <-a.jobs:
			if !ok {
				return
			}
			job()
		case <-a.done:
			return
		}
	}
}

// submit enqueues job on the worker and blocks until it completes or ctx
// is done. job itself must not be abandoned mid-flight — it always runs
// to completion on the worker even if submit returns early on ctx
// cancellation, since an in-flight OCI call cannot be killed out of band.
func (a *Adapter) submit(ctx context.Context, job func() error) error {
	resultCh := make(chan error, 1)
	wrapped := func() { resultCh <- job() }

	select {
	case a.jobs <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return gwerrors.New(gwerrors.KindInternal, "oracle-submit", "adapter closed")
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.db == nil {
		return nil
	}
	close(a.done)
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) currentDB() (*sql.DB, error) {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	if a.db == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "oracle-adapter", "adapter closed")
	}
	return a.db, nil
}

func (a *Adapter) Execute(ctx context.Context, stmt executor.Statement) (*executor.ColumnStream, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.runningMu.Lock()
	a.cancelRun = cancel
	a.inFlight = true
	a.runningMu.Unlock()
	defer func() {
		a.runningMu.Lock()
		a.inFlight = false
		a.runningMu.Unlock()
	}()

	var stream *executor.ColumnStream
	jobErr := a.submit(ctx, func() error {
		if !bool(stmt.ReturnsValues) {
			res, err := db.ExecContext(runCtx, stmt.Text)
			if err != nil {
				return err
			}
			affected, _ := res.RowsAffected()
			stream = &executor.ColumnStream{AffectedRows: affected}
			return nil
		}

		rows, err := db.QueryContext(runCtx, stmt.Text)
		if err != nil {
			return err
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return err
		}
		stream = &executor.ColumnStream{
			Columns: value.ColumnList(cols),
			Rows:    executor.NewSQLRowSource(rows, a.enc, len(cols)),
		}
		return nil
	})
	if jobErr != nil {
		cancel()
		return nil, gwerrors.WrapExec("oracle-execute", jobErr)
	}
	return stream, nil
}

// Cancel tries the adapter-level break first (cancelling runCtx, which
// godror turns into an OCIBreak on the session) and waits up to 3 seconds
// for the worker to settle. If the break doesn't land in time, it falls
// back to reconnecting with the backoff policy from the connection's
// settings bag (Open Question 2) rather than leaving the session wedged.
func (a *Adapter) Cancel(ctx context.Context) error {
	a.runningMu.Lock()
	cancel := a.cancelRun
	inFlight := a.inFlight
	a.runningMu.Unlock()
	if !inFlight {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	settled := make(chan struct{})
	go func() {
		for {
			a.runningMu.Lock()
			still := a.inFlight
			a.runningMu.Unlock()
			if !still {
				close(settled)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-settled:
		return nil
	case <-time.After(3 * time.Second):
		return a.reconnectWithBackoff(ctx)
	}
}

func (a *Adapter) reconnectWithBackoff(ctx context.Context) error {
	maxRetries, backoff := reconnectSettings(a.cfg)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		newDB, err := openDB(ctx, a.cfg)
		if err == nil {
			a.connMu.Lock()
			old := a.db
			a.db = newDB
			a.connMu.Unlock()
			if old != nil {
				old.Close()
			}
			log.Printf("oracle session reconnected after stuck cancel (attempt %d)", attempt+1)
			return nil
		}
		lastErr = err
		time.Sleep(backoff * time.Duration(attempt+1))
	}
	return gwerrors.Wrap(gwerrors.KindConnectFailed, "oracle-reconnect", lastErr)
}

func (a *Adapter) Introspect(ctx context.Context) (*executor.SchemaSnapshot, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}

	var snapshot executor.SchemaSnapshot
	jobErr := a.submit(ctx, func() error {
		rows, err := db.QueryContext(context.Background(), `
			SELECT atc.owner, atc.table_name, atc.column_name, atc.data_type, atc.nullable, NVL(atc.data_default, ' ')
			FROM all_tab_columns atc
			JOIN all_tables at ON at.owner = atc.owner AND at.table_name = atc.table_name
			ORDER BY atc.owner, atc.table_name, atc.column_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		tableIndex := make(map[string]int)
		schemaSeen := make(map[string]bool)
		columnSeen := make(map[string]bool)
		for rows.Next() {
			var schemaName, tableName, columnName, dataType, nullable, defaultExpr string
			if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType, &nullable, &defaultExpr); err != nil {
				return err
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
				Nullable: nullable == "Y",
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
		return rows.Err()
	})
	if jobErr != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "oracle-introspect", jobErr)
	}
	return &snapshot, nil
}

func (a *Adapter) ListCatalog(ctx context.Context, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	db, err := a.currentDB()
	if err != nil {
		return nil, err
	}
	query, ok := catalogQueries[kind]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindIntrospectFailed, "oracle-catalog", "unsupported catalog kind "+string(kind))
	}

	var out []executor.CatalogRow
	jobErr := a.submit(ctx, func() error {
		rows, err := db.QueryContext(context.Background(),
			fmt.Sprintf("SELECT * FROM (SELECT q.*, ROWNUM rn FROM (%s) q) WHERE rn > :1 AND rn <= :2", query),
			offset, offset+limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		scanned, err := executor.ScanCatalogRows(rows)
		if err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if jobErr != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "oracle-catalog-query", jobErr)
	}
	return out, nil
}

var catalogQueries = map[executor.CatalogKind]string{
	executor.CatalogIndexes:     "SELECT owner, index_name, table_name, uniqueness FROM all_indexes ORDER BY owner, table_name",
	executor.CatalogConstraints: "SELECT owner, constraint_name, table_name, constraint_type FROM all_constraints ORDER BY owner, table_name",
	executor.CatalogTriggers:    "SELECT owner, trigger_name, table_name, triggering_event FROM all_triggers ORDER BY owner, table_name",
	executor.CatalogRoutines:    "SELECT owner, object_name, object_type FROM all_procedures ORDER BY owner, object_name",
	executor.CatalogViews:       "SELECT owner, view_name, text FROM all_views ORDER BY owner, view_name",
}
