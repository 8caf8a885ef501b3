package splitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SimpleStatements(t *testing.T) {
	stmts := Split("SELECT 1; INSERT INTO t VALUES (1);", DialectANSI)
	require.Len(t, stmts, 2)
	assert.Equal(t, "SELECT 1", stmts[0].Text)
	assert.Equal(t, ReturnsRows, stmts[0].ReturnsValues)
	assert.Equal(t, "INSERT INTO t VALUES (1)", stmts[1].Text)
	assert.Equal(t, ReturnsNone, stmts[1].ReturnsValues)
}

func TestSplit_SemicolonInsideQuotes(t *testing.T) {
	stmts := Split(`SELECT 'a;b'; SELECT 2;`, DialectANSI)
	require.Len(t, stmts, 2)
	assert.Equal(t, `SELECT 'a;b'`, stmts[0].Text)
	assert.Equal(t, "SELECT 2", stmts[1].Text)
}

func TestSplit_EscapedQuoteInsideString(t *testing.T) {
	stmts := Split(`SELECT 'it''s; fine';`, DialectANSI)
	require.Len(t, stmts, 1)
	assert.Equal(t, `SELECT 'it''s; fine'`, stmts[0].Text)
}

func TestSplit_LineComment(t *testing.T) {
	stmts := Split("SELECT 1; -- trailing; comment\nSELECT 2;", DialectANSI)
	require.Len(t, stmts, 2)
	assert.Equal(t, "SELECT 2", stmts[1].Text)
}

func TestSplit_BlockComment(t *testing.T) {
	stmts := Split("SELECT /* a;b */ 1;", DialectANSI)
	require.Len(t, stmts, 1)
	assert.Equal(t, "SELECT /* a;b */ 1", stmts[0].Text)
}

func TestSplit_MSSQLBracketedIdentifier(t *testing.T) {
	stmts := Split("SELECT [col;name] FROM [dbo].[t];", DialectMSSQL)
	require.Len(t, stmts, 1)
	assert.Equal(t, "SELECT [col;name] FROM [dbo].[t]", stmts[0].Text)
}

func TestSplit_PostgresDollarQuote(t *testing.T) {
	sql := `CREATE FUNCTION f() RETURNS void AS $body$ BEGIN DELETE FROM t; END; $body$ LANGUAGE plpgsql;`
	stmts := Split(sql, DialectPostgres)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].Text, "DELETE FROM t;")
}

func TestSplit_DropsBlankStatements(t *testing.T) {
	stmts := Split(";;;SELECT 1;;", DialectANSI)
	require.Len(t, stmts, 1)
}

func TestClassify_ReturningPrefixes(t *testing.T) {
	cases := map[string]ReturnsValues{
		"select 1":             ReturnsRows,
		"  WITH x AS (...)":    ReturnsRows,
		"VALUES (1)":           ReturnsRows,
		"SHOW TABLES":          ReturnsRows,
		"EXPLAIN SELECT 1":     ReturnsRows,
		"DESCRIBE t":           ReturnsRows,
		"INSERT INTO t VALUES": ReturnsNone,
		"UPDATE t SET x = 1":   ReturnsNone,
		"DELETE FROM t":        ReturnsNone,
	}
	for sql, want := range cases {
		assert.Equal(t, want, Classify(sql), sql)
	}
}

func TestSplitOracle_PLSQLBlockNotSplitOnSemicolon(t *testing.T) {
	sql := "BEGIN\n  DELETE FROM t;\n  INSERT INTO t VALUES (1);\nEND;\n/\nSELECT 1;\n"
	stmts := SplitOracle(sql)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].Text, "DELETE FROM t;")
	assert.Contains(t, stmts[0].Text, "INSERT INTO t VALUES (1);")
	assert.Equal(t, ReturnsNone, stmts[0].ReturnsValues)
	assert.Equal(t, "SELECT 1", stmts[1].Text)
}

func TestSplitOracle_PlainStatementsStillSplitOnSemicolon(t *testing.T) {
	stmts := SplitOracle("SELECT 1; SELECT 2;")
	require.Len(t, stmts, 2)
}

func TestSplitOracle_CreateAsBodyIsAtomic(t *testing.T) {
	sql := "CREATE PROCEDURE p AS\nBEGIN\n  NULL;\nEND;\n/\n"
	stmts := SplitOracle(sql)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].Text, "NULL;")
}
