package postgres

import (
	"context"
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
	assert.Equal(t, "postgres", (Executor{}).Dialect())
}

func TestExecutor_Split_DelegatesToSplitter(t *testing.T) {
	stmts, err := (Executor{}).Split("SELECT 1; SELECT 2;")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, splitter.ReturnsRows, stmts[0].ReturnsValues)
}

func TestBuildDSN_UsesRawDSNWhenSet(t *testing.T) {
	dsn, err := buildDSN(executor.ConnectionConfig{DSN: "postgres://custom"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://custom", dsn)
}

func TestBuildDSN_RequiresFields(t *testing.T) {
	_, err := buildDSN(executor.ConnectionConfig{Host: "localhost"})
	assert.Error(t, err)
}

func TestBuildDSN_BuildsFromFields(t *testing.T) {
	dsn, err := buildDSN(executor.ConnectionConfig{
		Host: "localhost", Port: 5432, User: "admin", Password: "secret", Database: "testdb",
		Settings: map[string]any{"sslmode": "require", "connect_timeout": "5"},
	})
	require.NoError(t, err)
	assert.Contains(t, dsn, "localhost:5432")
	assert.Contains(t, dsn, "testdb")
	assert.Contains(t, dsn, "sslmode=require")
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
		AddRow(int64(20), "vinte").
		AddRow(int64(30), "trinta")
	mock.ExpectQuery(`SELECT code, label FROM t WHERE code >= 20`).
		WillReturnRows(rows)

	stream, err := adapter.Execute(context.Background(), executor.Statement{
		Text:          "SELECT code, label FROM t WHERE code >= 20",
		ReturnsValues: splitter.ReturnsRows,
	})
	require.NoError(t, err)
	require.Equal(t, value.ColumnList{"code", "label"}, stream.Columns)

	var got []value.Row
	for stream.Rows.Next(context.Background()) {
		got = append(got, stream.Rows.Row())
	}
	require.NoError(t, stream.Rows.Err())
	require.Len(t, got, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_Close_IsIdempotent(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectClose()
	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
}

func TestAdapter_Introspect_BuildsSnapshot(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	rows := sqlmock.NewRows([]string{"table_schema", "table_name", "column_name", "data_type", "is_nullable", "coalesce"}).
		AddRow("public", "users", "id", "integer", "NO", "").
		AddRow("public", "users", "email", "text", "YES", "")
	mock.ExpectQuery("SELECT table_schema, table_name").WillReturnRows(rows)

	snap, err := adapter.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tables, 1)
	assert.Equal(t, "users", snap.Tables[0].Name)
	require.Len(t, snap.Tables[0].Columns, 2)
	assert.ElementsMatch(t, []string{"id", "email"}, snap.ColumnNames)
}

func TestAdapter_ListCatalog_UnsupportedKind(t *testing.T) {
	adapter, _ := newMockAdapter(t)
	_, err := adapter.ListCatalog(context.Background(), executor.CatalogKind("bogus"), 0, 10)
	assert.Error(t, err)
}

func TestAdapter_ListCatalog_Indexes(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	rows := sqlmock.NewRows([]string{"schemaname", "tablename", "indexname", "indexdef"}).
		AddRow("public", "users", "users_pkey", "CREATE UNIQUE INDEX users_pkey ON users(id)")
	mock.ExpectQuery("SELECT schemaname, tablename, indexname, indexdef FROM pg_indexes").
		WithArgs(0, 50).
		WillReturnRows(rows)

	got, err := adapter.ListCatalog(context.Background(), executor.CatalogIndexes, 0, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "users_pkey", got[0]["indexname"])
}
