package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/splitter"
	"github.com/sqlgate/gateway/pkg/store"
	"github.com/sqlgate/gateway/pkg/value"
)

// fakeRowSource is a scriptable RowSource. If pauseAfter >= 0, Next blocks
// once it has produced that many rows until release is signalled, letting
// tests observe the engine's state mid-stream.
type fakeRowSource struct {
	rows       []value.Row
	idx        int
	pauseAfter int
	paused     chan struct{}
	pauseOnce  sync.Once
	release    chan struct{}
	err        error
}

func newFakeRowSource(rows []value.Row) *fakeRowSource {
	return &fakeRowSource{rows: rows, pauseAfter: -1}
}

func (f *fakeRowSource) Next(ctx context.Context) bool {
	if f.pauseAfter >= 0 && f.idx == f.pauseAfter {
		f.pauseOnce.Do(func() { close(f.paused) })
		select {
		case <-f.release:
		case <-ctx.Done():
			f.err = ctx.Err()
			return false
		}
	}
	select {
	case <-ctx.Done():
		f.err = ctx.Err()
		return false
	default:
	}
	if f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRowSource) Row() value.Row { return f.rows[f.idx-1] }
func (f *fakeRowSource) Err() error     { return f.err }
func (f *fakeRowSource) Close() error   { return nil }

type fakeAdapter struct {
	mu         sync.Mutex
	responses  []func() (*executor.ColumnStream, error)
	call       int
	cancelled  int
}

func (a *fakeAdapter) Close() error { return nil }
func (a *fakeAdapter) Introspect(ctx context.Context) (*executor.SchemaSnapshot, error) {
	return &executor.SchemaSnapshot{}, nil
}
func (a *fakeAdapter) Execute(ctx context.Context, stmt executor.Statement) (*executor.ColumnStream, error) {
	a.mu.Lock()
	i := a.call
	a.call++
	a.mu.Unlock()
	return a.responses[i]()
}
func (a *fakeAdapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	a.cancelled++
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) ListCatalog(ctx context.Context, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	return nil, nil
}

type fakeExecutor struct {
	stmts []executor.Statement
}

func (e *fakeExecutor) Dialect() string { return "fake" }
func (e *fakeExecutor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	return executor.ProbeResult{OK: true}
}
func (e *fakeExecutor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	return nil, nil
}
func (e *fakeExecutor) Split(sql string) ([]executor.Statement, error) {
	return e.stmts, nil
}

func newTestEngine(t *testing.T, pageSize, maxRetainedRows int, adapter executor.Adapter) *Engine {
	t.Helper()
	return newTestEngineWithOptions(t, pageSize, maxRetainedRows, 0, adapter, nil)
}

func newTestEngineWithOptions(t *testing.T, pageSize, maxRetainedRows int, statementTimeout time.Duration, adapter executor.Adapter, onFatal FatalConnectionHook) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine_test.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lookup := func(connectionID string) (executor.Adapter, bool, error) {
		return adapter, true, nil
	}
	return New(lookup, onFatal, s, pageSize, maxRetainedRows, statementTimeout)
}

func intRow(n int64) value.Row { return value.Row{{Kind: value.KindInt, Int: n}} }

func waitForStatus(t *testing.T, eng *Engine, id QueryId, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := eng.GetQueryStatus(id)
		require.NoError(t, err)
		if st == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("query %d never reached status %s", id, want)
}

func TestSubmit_AllocatesStrictlyIncreasingQueryIds(t *testing.T) {
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 0}, nil },
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 0}, nil },
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 0}, nil },
	}}
	eng := newTestEngine(t, 50, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{
		{Text: "A", ReturnsValues: splitter.ReturnsNone},
		{Text: "B", ReturnsValues: splitter.ReturnsNone},
	}}

	ids1, err := eng.Submit(context.Background(), "c1", ex, "A; B;")
	require.NoError(t, err)
	require.Len(t, ids1, 2)

	ex2 := &fakeExecutor{stmts: []executor.Statement{{Text: "C", ReturnsValues: splitter.ReturnsNone}}}
	ids2, err := eng.Submit(context.Background(), "c1", ex2, "C;")
	require.NoError(t, err)
	require.Len(t, ids2, 1)

	assert.True(t, ids1[0] < ids1[1])
	assert.True(t, ids1[1] < ids2[0])

	waitForStatus(t, eng, ids1[0], Completed)
	waitForStatus(t, eng, ids1[1], Completed)
	waitForStatus(t, eng, ids2[0], Completed)
}

func TestExecute_DML_MarksCompletedWithAffectedRows(t *testing.T) {
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 7}, nil },
	}}
	eng := newTestEngine(t, 50, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "UPDATE t SET x=1", ReturnsValues: splitter.ReturnsNone}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "UPDATE t SET x=1;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Completed)

	info, err := eng.GetStatementInfo(ids[0])
	require.NoError(t, err)
	require.NotNil(t, info.AffectedRows)
	assert.Equal(t, int64(7), *info.AffectedRows)
	assert.Empty(t, info.Columns)
}

func TestExecute_Query_SealsPagesAtPageSize(t *testing.T) {
	rows := []value.Row{intRow(1), intRow(2), intRow(3), intRow(4), intRow(5)}
	src := newFakeRowSource(rows)
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
	}}
	eng := newTestEngine(t, 2, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Completed)

	count, err := eng.GetPageCount(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, count) // 2, 2, 1

	p0, err := eng.FetchPage(ids[0], 0)
	require.NoError(t, err)
	require.NotNil(t, p0)
	assert.Equal(t, 2, p0.Len())

	p2, err := eng.FetchPage(ids[0], 2)
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, 1, p2.Len())

	missing, err := eng.FetchPage(ids[0], 5)
	require.NoError(t, err)
	assert.Nil(t, missing)

	cols, err := eng.GetColumns(ids[0])
	require.NoError(t, err)
	assert.Equal(t, value.ColumnList{"n"}, cols)
}

func TestWaitUntilRenderable_ReturnsOnFirstPageBeforeCompletion(t *testing.T) {
	rows := []value.Row{intRow(1), intRow(2), intRow(3)}
	src := newFakeRowSource(rows)
	src.pauseAfter = 1 // pause right after the first page (size 1) seals
	src.paused = make(chan struct{})
	src.release = make(chan struct{})

	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
	}}
	eng := newTestEngine(t, 1, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t;")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := eng.WaitUntilRenderable(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, Running, info.Status)

	count, err := eng.GetPageCount(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	close(src.release)
	waitForStatus(t, eng, ids[0], Completed)
	count, err = eng.GetPageCount(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFailedStatement_AbortsLaterStatementsAsNotExecuted(t *testing.T) {
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) { return nil, assertErr },
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 1}, nil },
	}}
	eng := newTestEngine(t, 50, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{
		{Text: "BAD SQL", ReturnsValues: splitter.ReturnsNone},
		{Text: "SELECT 1", ReturnsValues: splitter.ReturnsNone},
	}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "BAD SQL; SELECT 1;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Error)
	waitForStatus(t, eng, ids[1], Error)

	info0, err := eng.GetStatementInfo(ids[0])
	require.NoError(t, err)
	assert.Equal(t, gwerrorsKind(info0.Err), "statement_runtime")

	info1, err := eng.GetStatementInfo(ids[1])
	require.NoError(t, err)
	assert.Equal(t, gwerrorsKind(info1.Err), "not_executed")
}

func TestCancel_RunningStatementReachesTerminalStatus(t *testing.T) {
	rows := []value.Row{intRow(1), intRow(2), intRow(3)}
	src := newFakeRowSource(rows)
	src.pauseAfter = 1
	src.paused = make(chan struct{})
	src.release = make(chan struct{})

	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
	}}
	eng := newTestEngine(t, 1, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t;")
	require.NoError(t, err)

	<-src.paused
	require.NoError(t, eng.Cancel(context.Background(), ids[0]))
	close(src.release)

	waitForStatus(t, eng, ids[0], Error)
	info, err := eng.GetStatementInfo(ids[0])
	require.NoError(t, err)
	assert.Equal(t, gwerrorsKind(info.Err), "cancelled")
	assert.Equal(t, 1, adapter.cancelled, "cancelOne must also invoke the adapter's own Cancel")
}

func TestCancel_CascadesToLaterPendingStatementsInSameSubmission(t *testing.T) {
	rows := []value.Row{intRow(1), intRow(2)}
	src := newFakeRowSource(rows)
	src.pauseAfter = 0
	src.paused = make(chan struct{})
	src.release = make(chan struct{})

	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 1}, nil },
	}}
	eng := newTestEngine(t, 1, 0, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{
		{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows},
		{Text: "SELECT 2", ReturnsValues: splitter.ReturnsNone},
	}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t; SELECT 2;")
	require.NoError(t, err)

	<-src.paused
	require.NoError(t, eng.Cancel(context.Background(), ids[0]))
	close(src.release)

	waitForStatus(t, eng, ids[0], Error)
	waitForStatus(t, eng, ids[1], Error)

	info1, err := eng.GetStatementInfo(ids[1])
	require.NoError(t, err)
	assert.Equal(t, gwerrorsKind(info1.Err), "cancelled")
}

func TestExecute_DriverTransportError_FiresFatalConnectionHook(t *testing.T) {
	transportErr := gwerrors.Wrap(gwerrors.KindDriverTransport, "fake-transport", assertErr)
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) { return nil, transportErr },
	}}

	var mu sync.Mutex
	var fataledConnectionID string
	onFatal := func(connectionID string) {
		mu.Lock()
		fataledConnectionID = connectionID
		mu.Unlock()
	}

	eng := newTestEngineWithOptions(t, 50, 0, 0, adapter, onFatal)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "SELECT 1", ReturnsValues: splitter.ReturnsNone}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT 1;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Error)

	info, err := eng.GetStatementInfo(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "driver_transport", gwerrorsKind(info.Err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "c1", fataledConnectionID, "a driver_transport failure must invoke the engine's FatalConnectionHook")
}

func TestExecute_StatementRuntimeError_NeverFiresFatalConnectionHook(t *testing.T) {
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) { return nil, assertErr },
	}}
	fired := false
	onFatal := func(connectionID string) { fired = true }

	eng := newTestEngineWithOptions(t, 50, 0, 0, adapter, onFatal)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "BAD SQL", ReturnsValues: splitter.ReturnsNone}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "BAD SQL;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Error)

	assert.False(t, fired, "an ordinary statement_runtime failure must not invoke the FatalConnectionHook")
}

func TestStatementTimeout_ExpiresIntoErrorAndCascadesToSiblings(t *testing.T) {
	src := newFakeRowSource([]value.Row{intRow(1)})
	src.pauseAfter = 0
	src.paused = make(chan struct{})
	src.release = make(chan struct{}) // never closed: the row source hangs until the deadline fires

	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
		func() (*executor.ColumnStream, error) { return &executor.ColumnStream{AffectedRows: 1}, nil },
	}}
	eng := newTestEngineWithOptions(t, 1, 0, 20*time.Millisecond, adapter, nil)
	ex := &fakeExecutor{stmts: []executor.Statement{
		{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows},
		{Text: "SELECT 2", ReturnsValues: splitter.ReturnsNone},
	}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t; SELECT 2;")
	require.NoError(t, err)

	waitForStatus(t, eng, ids[0], Error)
	waitForStatus(t, eng, ids[1], Error)

	info0, err := eng.GetStatementInfo(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "timeout", gwerrorsKind(info0.Err))

	info1, err := eng.GetStatementInfo(ids[1])
	require.NoError(t, err)
	assert.Equal(t, "cancelled", gwerrorsKind(info1.Err), "a statement timeout must cascade to later-pending siblings, same as an explicit Cancel")
}

func TestFetchPage_EvictsBehindHighWaterMarkButNeverAheadOfIt(t *testing.T) {
	rows := make([]value.Row, 0, 10)
	for i := int64(0); i < 10; i++ {
		rows = append(rows, intRow(i))
	}
	src := newFakeRowSource(rows)
	adapter := &fakeAdapter{responses: []func() (*executor.ColumnStream, error){
		func() (*executor.ColumnStream, error) {
			return &executor.ColumnStream{Columns: value.ColumnList{"n"}, Rows: src}, nil
		},
	}}
	// page size 2 -> 5 pages; max retained rows 4 keeps at most 2 pages.
	eng := newTestEngine(t, 2, 4, adapter)
	ex := &fakeExecutor{stmts: []executor.Statement{{Text: "SELECT n FROM t", ReturnsValues: splitter.ReturnsRows}}}

	ids, err := eng.Submit(context.Background(), "c1", ex, "SELECT n FROM t;")
	require.NoError(t, err)
	waitForStatus(t, eng, ids[0], Completed)

	// Simulate the UI scrolling forward one page at a time: each fetch
	// advances the high-water mark and may evict pages behind it, but
	// must never touch page 3 or 4, which the UI has not reached yet.
	for _, idx := range []int{0, 1, 2} {
		p, err := eng.FetchPage(ids[0], idx)
		require.NoError(t, err)
		require.NotNilf(t, p, "page %d must be returned in full the moment it is fetched", idx)
	}

	evicted, err := eng.FetchPage(ids[0], 0)
	require.NoError(t, err)
	assert.Nil(t, evicted, "page 0 should have been evicted once the cap was exceeded")

	for _, idx := range []int{3, 4} {
		p, err := eng.FetchPage(ids[0], idx)
		require.NoError(t, err)
		assert.NotNilf(t, p, "page %d is ahead of the high-water mark and must never be evicted", idx)
	}
}

// assertErr is a sentinel error used by the failing-statement test.
var assertErr = &fakeErr{"boom"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func gwerrorsKind(err error) string {
	return string(gwerrors.KindOf(err))
}
