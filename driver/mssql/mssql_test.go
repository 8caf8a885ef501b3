package mssql

import (
	"context"
	"database/sql/driver"
	"testing"

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
	t.Cleanup(func() { db.Close() })
	return &Adapter{db: db, enc: value.NewEncoder(4096)}, mock
}

func TestExecutor_Dialect(t *testing.T) {
	assert.Equal(t, "mssql", (Executor{}).Dialect())
}

func TestExecutor_Split_DelegatesToSplitter(t *testing.T) {
	stmts, err := (Executor{}).Split("SELECT 1; EXEC dbo.sp_foo;")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, splitter.ReturnsRows, stmts[0].ReturnsValues)
}

func TestBuildConnString_RequiresHost(t *testing.T) {
	_, err := buildConnString(executor.ConnectionConfig{})
	assert.Error(t, err)
}

func TestBuildConnString_DefaultsPort(t *testing.T) {
	connStr, err := buildConnString(executor.ConnectionConfig{Host: "db.internal", User: "sa", Password: "pw", Database: "orders"})
	require.NoError(t, err)
	assert.Contains(t, connStr, "db.internal:1433")
	assert.Contains(t, connStr, "database=orders")
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
	rows := sqlmock.NewRows([]string{"code", "label"}).
		AddRow(int64(20), "twenty")
	mock.ExpectQuery(`SELECT code, label FROM t`).WillReturnRows(rows)

	stream, err := adapter.Execute(context.Background(), executor.Statement{
		Text:          "SELECT code, label FROM t",
		ReturnsValues: splitter.ReturnsRows,
	})
	require.NoError(t, err)
	require.Equal(t, value.ColumnList{"code", "label"}, stream.Columns)

	var got []value.Row
	for stream.Rows.Next(context.Background()) {
		got = append(got, stream.Rows.Row())
	}
	require.NoError(t, stream.Rows.Err())
	require.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsBadConn_MatchesDriverErrBadConn(t *testing.T) {
	assert.True(t, isBadConn(driver.ErrBadConn))
	assert.False(t, isBadConn(assert.AnError))
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
