package executor

import (
	"context"
	"database/sql"

	"github.com/sqlgate/gateway/pkg/value"
)

// SQLRowSource adapts a *sql.Rows into the RowSource contract, used by
// every adapter built on database/sql (postgres, mssql, sqlite). Each
// native cell is normalized through enc before being exposed as a Row.
type SQLRowSource struct {
	rows    *sql.Rows
	enc     value.Encoder
	numCols int
	scratch []any
	current value.Row
	err     error
}

// NewSQLRowSource builds a RowSource over rows, encoding each cell with
// enc. numCols must match len(rows column list).
func NewSQLRowSource(rows *sql.Rows, enc value.Encoder, numCols int) *SQLRowSource {
	scratch := make([]any, numCols)
	for i := range scratch {
		scratch[i] = new(any)
	}
	return &SQLRowSource{rows: rows, enc: enc, numCols: numCols, scratch: scratch}
}

func (s *SQLRowSource) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		s.err = ctx.Err()
		return false
	default:
	}

	if !s.rows.Next() {
		s.err = s.rows.Err()
		return false
	}
	if err := s.rows.Scan(s.scratch...); err != nil {
		s.err = err
		return false
	}
	row := make(value.Row, s.numCols)
	for i, cell := range s.scratch {
		native := *cell.(*any)
		row[i] = s.enc.Encode(native)
	}
	s.current = row
	return true
}

func (s *SQLRowSource) Row() value.Row { return s.current }
func (s *SQLRowSource) Err() error     { return s.err }
func (s *SQLRowSource) Close() error   { return s.rows.Close() }
