package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/value"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	a := &Adapter{
		db:   db,
		enc:  value.NewEncoder(4096),
		jobs: make(chan func(), defaultJobQueue),
		done: make(chan struct{}),
	}
	go a.workerLoop()
	return a, mock
}

func TestExecutor_Dialect(t *testing.T) {
	assert.Equal(t, "oracle", (Executor{}).Dialect())
}

func TestExecutor_Split_DelegatesToOracleSplitter(t *testing.T) {
	stmts, err := (Executor{}).Split("SELECT 1 FROM dual;")
	require.NoError(t, err)
	require.Len(t, stmts, 1)
}

func TestBuildDSN_RequiresFields(t *testing.T) {
	_, err := buildDSN(executor.ConnectionConfig{Host: "db"})
	assert.Error(t, err)
}

func TestBuildDSN_BuildsConnectString(t *testing.T) {
	dsn, err := buildDSN(executor.ConnectionConfig{Host: "db.internal", Database: "ORCLPDB1", User: "sys", Password: "pw"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "SERVICE_NAME=ORCLPDB1")
	assert.Contains(t, dsn, "db.internal")
}

func TestReconnectSettings_Defaults(t *testing.T) {
	retries, backoff := reconnectSettings(executor.ConnectionConfig{})
	assert.Equal(t, defaultMaxRetries, retries)
	assert.Equal(t, defaultBackoffMS*time.Millisecond, backoff)
}

func TestReconnectSettings_FromSettingsBag(t *testing.T) {
	retries, backoff := reconnectSettings(executor.ConnectionConfig{
		Settings: map[string]any{"reconnect_max_retries": 5, "reconnect_backoff_ms": "100"},
	})
	assert.Equal(t, 5, retries)
	assert.Equal(t, 100*time.Millisecond, backoff)
}

func TestAdapter_Execute_DML_ReturnsAffectedRows(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectExec(`UPDATE accounts SET balance = balance - 10 WHERE id = 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stream, err := adapter.Execute(context.Background(), executor.Statement{
		Text:          "UPDATE accounts SET balance = balance - 10 WHERE id = 1",
		ReturnsValues: splitter.ReturnsNone,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stream.AffectedRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_Execute_Query_StreamsRows(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	rows := sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "x")
	mock.ExpectQuery(`SELECT id, name FROM dual`).WillReturnRows(rows)

	stream, err := adapter.Execute(context.Background(), executor.Statement{
		Text:          "SELECT id, name FROM dual",
		ReturnsValues: splitter.ReturnsRows,
	})
	require.NoError(t, err)
	require.Equal(t, value.ColumnList{"id", "name"}, stream.Columns)

	count := 0
	for stream.Rows.Next(context.Background()) {
		count++
	}
	require.NoError(t, stream.Rows.Err())
	assert.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_Cancel_NoOpWhenNothingInFlight(t *testing.T) {
	adapter, _ := newMockAdapter(t)
	require.NoError(t, adapter.Cancel(context.Background()))
}

func TestAdapter_Close_IsIdempotent(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectClose()
	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
}

func TestAdapter_ListCatalog_UnsupportedKind(t *testing.T) {
	adapter, _ := newMockAdapter(t)
	_, err := adapter.ListCatalog(context.Background(), executor.CatalogKind("bogus"), 0, 10)
	assert.Error(t, err)
}
