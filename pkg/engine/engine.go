// Package engine implements the Query Engine (§4.6): the scheduler that
// turns one submitted SQL script into an ordered sequence of statement
// executions, buffers their results into immutable pages, and lets
// callers observe progress without blocking on the whole script.
//
// Every statement runs as its own task against the connection's Adapter.
// wait_until_renderable and fetch_page are the only externally visible
// suspension points (§5); everything else (row reads, page-seal waits)
// happens inside the task or behind a condition variable private to the
// StatementHandle.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/store"
	"github.com/sqlgate/gateway/pkg/value"
)

var log = gwlog.New("engine")

// QueryId identifies one statement within a submission. Dense and
// strictly increasing across the whole engine, not per submission.
type QueryId int64

// Status is a StatementHandle's lifecycle stage (§3). Once a handle
// leaves Running it never returns to it.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Error     Status = "error"
)

const defaultPageSize = 50

// StatementInfo is the externally visible snapshot of a StatementHandle
// returned by WaitUntilRenderable: enough for a caller to start
// rendering without reaching back into the handle's internals.
type StatementInfo struct {
	QueryId       QueryId
	Status        Status
	Columns       value.ColumnList
	AffectedRows  *int64
	Err           error
	ReturnsValues bool
}

// statementHandle is the engine's private record for one statement
// (§3). mu guards every field below it; cond wakes waiters blocked on a
// page being sealed or the statement going terminal.
type statementHandle struct {
	mu   sync.Mutex
	cond *sync.Cond

	id            QueryId
	submissionID  int64
	seq           int // position within its submission, 0-based
	connectionID  string
	sqlText       string
	returnsValues bool

	status  Status
	columns value.ColumnList

	pages            []value.Page
	evictedTo        int // pages[0:evictedTo] have been evicted; index space otherwise unchanged
	highWaterFetched int // highest pageIndex+1 ever requested via FetchPage
	rowBuffer        []value.Row
	totalRows        int64
	affected         *int64
	err              error

	firstPageReady  bool
	cancelRequested bool
	cancelFn        context.CancelFunc
}

func newStatementHandle(id QueryId, submissionID int64, seq int, connectionID, sqlText string, returnsValues bool) *statementHandle {
	h := &statementHandle{
		id:            id,
		submissionID:  submissionID,
		seq:           seq,
		connectionID:  connectionID,
		sqlText:       sqlText,
		returnsValues: returnsValues,
		status:        Pending,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// snapshot must be called with h.mu held.
func (h *statementHandle) snapshotLocked() StatementInfo {
	return StatementInfo{
		QueryId:       h.id,
		Status:        h.status,
		Columns:       h.columns,
		AffectedRows:  h.affected,
		Err:           h.err,
		ReturnsValues: h.returnsValues,
	}
}

// AdapterLookup resolves a connection id to its live Adapter. The
// engine takes a function value rather than depending on
// pkg/registry.Registry directly (its Get returns a plain Ticket
// struct, not an interface) — callers pass a closure over their
// *registry.Registry, e.g.:
//
//	func(id string) (executor.Adapter, bool, error) {
//	    t, err := reg.Get(id)
//	    return t.Adapter, t.Connected, err
//	}
type AdapterLookup func(connectionID string) (adapter executor.Adapter, connected bool, err error)

// FatalConnectionHook is invoked whenever a statement fails with
// gwerrors.KindDriverTransport — a fatal transport-level loss rather than
// an ordinary statement error (§4.4/§7/§8 Scenario 3). Engine takes this
// as a closure, the same way it takes AdapterLookup, so it never depends
// on pkg/registry directly; callers ordinarily pass a closure over their
// *registry.Registry.MarkFatal.
type FatalConnectionHook func(connectionID string)

// Engine owns every in-flight and recently-completed StatementHandle. It
// has no notion of the UI: callers push submissions in and pull results
// out, and it emits nothing on its own (§9 — UI/engine decoupling).
type Engine struct {
	lookup  AdapterLookup
	onFatal FatalConnectionHook
	store   *store.Store

	pageSize         int
	maxRetainedRows  int
	statementTimeout time.Duration

	mu         sync.Mutex
	nextID     int64
	nextSubmit int64
	handles    map[QueryId]*statementHandle
}

// New builds an Engine. lookup resolves a connection id to its live
// Adapter (ordinarily backed by pkg/registry.Registry.Get). pageSize <=
// 0 uses the default (50, per §3); maxRetainedRows <= 0 means
// unbounded. onFatal may be nil, in which case a driver_transport failure
// is still reported on the StatementHandle but no connection runtime is
// ever marked fatal. statementTimeout <= 0 disables the per-statement
// deadline (§5).
func New(lookup AdapterLookup, onFatal FatalConnectionHook, st *store.Store, pageSize, maxRetainedRows int, statementTimeout time.Duration) *Engine {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{
		lookup:           lookup,
		onFatal:          onFatal,
		store:            st,
		pageSize:         pageSize,
		maxRetainedRows:  maxRetainedRows,
		statementTimeout: statementTimeout,
		handles:          make(map[QueryId]*statementHandle),
	}
}

func (e *Engine) allocID() QueryId {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return QueryId(e.nextID)
}

func (e *Engine) allocSubmission() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSubmit++
	return e.nextSubmit
}

func (e *Engine) registerHandle(id QueryId, h *statementHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles[id] = h
}

func (e *Engine) lookupHandle(id QueryId) (*statementHandle, error) {
	e.mu.Lock()
	h, ok := e.handles[id]
	e.mu.Unlock()
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInternal, "engine-lookup", "unknown query id")
	}
	return h, nil
}

// Submit splits sql via ex and schedules each resulting statement as a
// task against connectionID's adapter, run serially in splitter order
// (§4.6). It returns immediately with the allocated QueryIds; execution
// continues on a background goroutine per submission.
func (e *Engine) Submit(ctx context.Context, connectionID string, ex executor.Executor, sqlText string) ([]QueryId, error) {
	stmts, err := ex.Split(sqlText)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStatementSyntax, "engine-split", err)
	}

	submissionID := e.allocSubmission()
	ids := make([]QueryId, len(stmts))
	handles := make([]*statementHandle, len(stmts))
	for i, stmt := range stmts {
		id := e.allocID()
		h := newStatementHandle(id, submissionID, i, connectionID, stmt.Text, bool(stmt.ReturnsValues))
		e.registerHandle(id, h)
		ids[i] = id
		handles[i] = h
	}

	go e.runSubmission(connectionID, handles, stmts)
	return ids, nil
}

// runSubmission executes each statement in order, aborting the rest as
// not_executed the moment one fails or is cancelled (§4.6, §8).
func (e *Engine) runSubmission(connectionID string, handles []*statementHandle, stmts []executor.Statement) {
	aborted := false
	for i, h := range handles {
		h.mu.Lock()
		alreadyTerminal := h.status == Error || h.status == Completed
		h.mu.Unlock()
		if alreadyTerminal {
			// Cancelled (or otherwise resolved) while still Pending, by a
			// Cancel call racing ahead of this loop.
			aborted = true
			continue
		}
		if aborted {
			e.markNotExecuted(h)
			continue
		}

		adapter, ok, err := e.lookup(connectionID)
		if err != nil || !ok {
			e.markError(h, gwerrors.New(gwerrors.KindConnectFailed, "engine-run", "connection not available"))
			aborted = true
			continue
		}

		if err := e.runOne(h, adapter, stmts[i]); err != nil {
			aborted = true
		}
	}
}

// classifyRunErr wraps err under tag, preserving the adapter's own Kind
// (e.g. gwerrors.KindDriverTransport) when err already carries one and
// otherwise falling back to gwerrors.WrapExec, which picks
// KindDriverTransport for transport failures and KindStatementRuntime for
// everything else — an adapter's own
// classification must survive the engine's wrapping, not be clobbered by
// it (§7).
func classifyRunErr(tag string, err error) *gwerrors.Error {
	var ge *gwerrors.Error
	if errors.As(err, &ge) {
		return gwerrors.Wrap(ge.Kind, tag, err)
	}
	return gwerrors.WrapExec(tag, err)
}

// reportFatalIfTransport notifies the engine's FatalConnectionHook once
// gerr classifies as a fatal transport loss (§4.4/§8 Scenario 3).
func (e *Engine) reportFatalIfTransport(h *statementHandle, gerr *gwerrors.Error) {
	if e.onFatal != nil && gerr.Kind == gwerrors.KindDriverTransport {
		e.onFatal(h.connectionID)
	}
}

// runOne implements the 5-step execution protocol from §4.6.
func (e *Engine) runOne(h *statementHandle, adapter executor.Adapter, stmt executor.Statement) error {
	startedAt := time.Now()

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.statementTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), e.statementTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	h.mu.Lock()
	if h.status == Error || h.status == Completed {
		h.mu.Unlock()
		cancel()
		return h.err
	}
	if h.cancelRequested {
		h.mu.Unlock()
		cancel()
		e.markError(h, gwerrors.New(gwerrors.KindCancelled, "engine-run", "cancelled before start"))
		return gwerrors.New(gwerrors.KindCancelled, "engine-run", "cancelled before start")
	}
	h.status = Running
	h.cancelFn = cancel
	h.mu.Unlock()

	// Step 2: call the adapter.
	stream, err := adapter.Execute(runCtx, stmt)
	if err != nil {
		cancel()
		switch {
		case h.wasCancelRequested():
			gerr := gwerrors.New(gwerrors.KindCancelled, "engine-execute", "cancelled")
			e.markError(h, gerr)
			e.appendHistory(h, store.HistoryCancelled, 0, startedAt, gerr)
			return gerr
		case runCtx.Err() == context.DeadlineExceeded:
			gerr := gwerrors.New(gwerrors.KindTimeout, "engine-timeout", "statement exceeded its deadline")
			e.markError(h, gerr)
			e.appendHistory(h, store.HistoryTimeout, 0, startedAt, gerr)
			e.cascadeToSiblings(context.Background(), h)
			return gerr
		}
		gerr := classifyRunErr("engine-execute", err)
		e.markError(h, gerr)
		e.appendHistory(h, store.HistoryError, 0, startedAt, gerr)
		e.reportFatalIfTransport(h, gerr)
		return gerr
	}

	h.mu.Lock()
	h.columns = stream.Columns
	h.mu.Unlock()

	// Step 3: DML/DDL — no column list means no rows to page.
	if len(stream.Columns) == 0 {
		cancel()
		affected := stream.AffectedRows
		e.markCompleted(h, affected)
		e.appendHistory(h, store.HistorySuccess, affected, startedAt, nil)
		return nil
	}

	// Step 4: stream rows into pages, sealing at page_size.
	defer cancel()
	defer stream.Rows.Close()
	var rowCount int64
	for stream.Rows.Next(runCtx) {
		row := stream.Rows.Row()
		rowCount++
		e.appendRow(h, row)
	}
	if err := stream.Rows.Err(); err != nil {
		switch {
		case h.wasCancelRequested():
			gerr := gwerrors.New(gwerrors.KindCancelled, "engine-stream", "cancelled")
			e.sealPartial(h)
			e.markError(h, gerr)
			e.appendHistory(h, store.HistoryCancelled, rowCount, startedAt, gerr)
			return gerr
		case runCtx.Err() == context.DeadlineExceeded:
			gerr := gwerrors.New(gwerrors.KindTimeout, "engine-timeout", "statement exceeded its deadline")
			e.sealPartial(h)
			e.markError(h, gerr)
			e.appendHistory(h, store.HistoryTimeout, rowCount, startedAt, gerr)
			e.cascadeToSiblings(context.Background(), h)
			return gerr
		default:
			gerr := classifyRunErr("engine-stream", err)
			e.sealPartial(h)
			e.markError(h, gerr)
			e.appendHistory(h, store.HistoryError, rowCount, startedAt, gerr)
			e.reportFatalIfTransport(h, gerr)
			return gerr
		}
	}

	// Step 5: stream ended cleanly — seal any partial buffer, complete.
	e.sealPartial(h)
	e.markCompletedRows(h, rowCount)
	e.appendHistory(h, store.HistorySuccess, rowCount, startedAt, nil)
	return nil
}

func (h *statementHandle) wasCancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// appendRow buffers row into the current page, sealing and notifying
// waiters once the buffer reaches page_size. The first seal also trips
// first-page-readiness.
func (e *Engine) appendRow(h *statementHandle, row value.Row) {
	h.mu.Lock()
	h.rowBuffer = append(h.rowBuffer, row)
	h.totalRows++
	if len(h.rowBuffer) >= e.pageSize {
		e.sealBufferLocked(h)
	}
	h.mu.Unlock()
}

// sealBufferLocked moves the current row buffer into a new immutable
// Page. Caller must hold h.mu.
func (e *Engine) sealBufferLocked(h *statementHandle) {
	if len(h.rowBuffer) == 0 {
		return
	}
	page := value.Page{Index: len(h.pages), Rows: h.rowBuffer}
	h.pages = append(h.pages, page)
	h.rowBuffer = nil
	h.firstPageReady = true
	e.evictLocked(h)
	h.cond.Broadcast()
}

func (e *Engine) sealPartial(h *statementHandle) {
	h.mu.Lock()
	e.sealBufferLocked(h)
	h.mu.Unlock()
}

// evictLocked drops the oldest sealed, already-fetched pages once total
// retained rows exceeds maxRetainedRows (§4.6's backpressure rule). It
// never evicts the page under construction (rowBuffer) or any page at or
// above the fetch high-water mark; every page below that mark counts as
// fetched, including pages a caller skipped over. Caller must hold h.mu.
func (e *Engine) evictLocked(h *statementHandle) {
	if e.maxRetainedRows <= 0 {
		return
	}
	retained := func() int {
		n := 0
		for i := h.evictedTo; i < len(h.pages); i++ {
			n += len(h.pages[i].Rows)
		}
		return n
	}
	for retained() > e.maxRetainedRows && h.evictedTo < h.highWaterFetched {
		h.pages[h.evictedTo].Rows = nil
		h.evictedTo++
	}
}

func (e *Engine) markNotExecuted(h *statementHandle) {
	h.mu.Lock()
	h.status = Error
	h.err = gwerrors.New(gwerrors.KindNotExecuted, "engine-abort", "earlier statement in submission did not complete successfully")
	h.firstPageReady = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (e *Engine) markError(h *statementHandle, err error) {
	h.mu.Lock()
	h.status = Error
	h.err = err
	h.firstPageReady = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (e *Engine) markCompleted(h *statementHandle, affected int64) {
	h.mu.Lock()
	h.status = Completed
	h.affected = &affected
	h.firstPageReady = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (e *Engine) markCompletedRows(h *statementHandle, rowCount int64) {
	h.mu.Lock()
	h.status = Completed
	h.totalRows = rowCount
	h.firstPageReady = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (e *Engine) appendHistory(h *statementHandle, status store.HistoryStatus, rowCount int64, startedAt time.Time, err error) {
	if e.store == nil {
		return
	}
	entry := store.HistoryEntry{
		ConnectionID: h.connectionID,
		SQLText:      h.sqlText,
		Status:       status,
		RowCount:     rowCount,
		DurationMS:   time.Since(startedAt).Milliseconds(),
		ExecutedAt:   startedAt,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if aerr := e.store.AppendHistory(context.Background(), entry); aerr != nil {
		// Persistence failures never affect query results (§4.7).
		log.Error("append history for %s: %v", h.connectionID, aerr)
	}
}

// WaitUntilRenderable suspends until id's first page is sealed or the
// statement reaches a terminal status, whichever comes first (§4.6).
func (e *Engine) WaitUntilRenderable(ctx context.Context, id QueryId) (StatementInfo, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return StatementInfo{}, err
	}

	done := make(chan StatementInfo, 1)
	go func() {
		h.mu.Lock()
		for !h.firstPageReady && h.status != Completed && h.status != Error {
			h.cond.Wait()
		}
		info := h.snapshotLocked()
		h.mu.Unlock()
		done <- info
	}()

	select {
	case info := <-done:
		return info, nil
	case <-ctx.Done():
		return StatementInfo{}, ctx.Err()
	}
}

// FetchPage returns pageIndex's immutable contents for id. While the
// statement is pending or running and that page is not sealed yet, it
// blocks until the page is sealed or the statement reaches a terminal
// status. It returns nil if the page has been evicted, or if it lies
// beyond the last page of a terminal statement.
func (e *Engine) FetchPage(id QueryId, pageIndex int) (*value.Page, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for pageIndex >= len(h.pages) && h.status != Completed && h.status != Error {
		h.cond.Wait()
	}
	if pageIndex < 0 || pageIndex >= len(h.pages) {
		return nil, nil
	}
	if pageIndex < h.evictedTo {
		return nil, nil
	}
	p := h.pages[pageIndex]
	out := value.Page{Index: p.Index, Rows: append([]value.Row(nil), p.Rows...)}

	if pageIndex+1 > h.highWaterFetched {
		h.highWaterFetched = pageIndex + 1
		e.evictLocked(h)
	}
	return &out, nil
}

// GetQueryStatus returns id's current status.
func (e *Engine) GetQueryStatus(id QueryId) (Status, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

// GetPageCount returns the number of pages sealed so far for id.
// Monotonically non-decreasing while Running, fixed once terminal (§8).
func (e *Engine) GetPageCount(id QueryId) (int, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages), nil
}

// GetColumns returns id's column list, or nil if not yet known (before
// the first page is ready and before a no-rows statement completes).
func (e *Engine) GetColumns(id QueryId) (value.ColumnList, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.firstPageReady {
		return nil, nil
	}
	return h.columns, nil
}

// GetStatementInfo returns id's full current snapshot.
func (e *Engine) GetStatementInfo(id QueryId) (StatementInfo, error) {
	h, err := e.lookupHandle(id)
	if err != nil {
		return StatementInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(), nil
}

// Cancel requests cancellation of id and, per §5, every later statement
// in the same submission that has not yet reached a terminal status.
// Idempotent: a statement that is already terminal or already cancelled
// is left as it is, though later non-terminal statements in its
// submission are still cancelled.
func (e *Engine) Cancel(ctx context.Context, id QueryId) error {
	h, err := e.lookupHandle(id)
	if err != nil {
		return err
	}
	e.cancelOne(ctx, h)
	e.cascadeToSiblings(ctx, h)
	return nil
}

// cascadeToSiblings cancels every later statement in h's submission that
// has not yet reached a terminal status (§5) — shared by explicit Cancel
// and by runOne's statement-timeout path, which "triggers the same path
// as cancel" per §5.
func (e *Engine) cascadeToSiblings(ctx context.Context, h *statementHandle) {
	e.mu.Lock()
	var siblings []*statementHandle
	for _, other := range e.handles {
		if other.submissionID == h.submissionID && other.seq > h.seq {
			siblings = append(siblings, other)
		}
	}
	e.mu.Unlock()
	for _, s := range siblings {
		e.cancelOne(ctx, s)
	}
}

func (e *Engine) cancelOne(ctx context.Context, h *statementHandle) {
	h.mu.Lock()
	if h.status == Completed || h.status == Error {
		h.mu.Unlock()
		return
	}
	h.cancelRequested = true
	cancelFn := h.cancelFn
	wasRunning := h.status == Running
	connectionID := h.connectionID
	if h.status == Pending {
		h.mu.Unlock()
		e.markError(h, gwerrors.New(gwerrors.KindCancelled, "engine-cancel", "cancelled before it started running"))
		return
	}
	h.mu.Unlock()

	if !wasRunning {
		return
	}
	if cancelFn != nil {
		cancelFn()
	}
	// Some adapters (driver/oracle) run their blocking call on a context
	// rooted independently of runCtx, since an in-flight OCI call cannot
	// be killed by cancelling a Go context alone; ask the adapter itself
	// to interrupt the session server-side too (§4.3/§4.6).
	if adapter, ok, lerr := e.lookup(connectionID); lerr == nil && ok && adapter != nil {
		if cerr := adapter.Cancel(ctx); cerr != nil {
			log.Error("adapter cancel for %s: %v", connectionID, cerr)
		}
	}
}
