package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/store"
)

type fakeAdapter struct {
	closed     bool
	closeCalls int
}

func (a *fakeAdapter) Close() error {
	a.closed = true
	a.closeCalls++
	return nil
}
func (a *fakeAdapter) Introspect(ctx context.Context) (*executor.SchemaSnapshot, error) {
	return &executor.SchemaSnapshot{}, nil
}
func (a *fakeAdapter) Execute(ctx context.Context, stmt executor.Statement) (*executor.ColumnStream, error) {
	return nil, nil
}
func (a *fakeAdapter) Cancel(ctx context.Context) error { return nil }
func (a *fakeAdapter) ListCatalog(ctx context.Context, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	return nil, nil
}

type fakeExecutor struct{ adapter *fakeAdapter }

func (e *fakeExecutor) Dialect() string { return "fake" }
func (e *fakeExecutor) Probe(ctx context.Context, cfg executor.ConnectionConfig) executor.ProbeResult {
	return executor.ProbeResult{OK: true}
}
func (e *fakeExecutor) Open(ctx context.Context, cfg executor.ConnectionConfig) (executor.Adapter, error) {
	return e.adapter, nil
}
func (e *fakeExecutor) Split(sql string) ([]executor.Statement, error) {
	return []executor.Statement{{Text: sql}}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry_test.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestRegistry_AddDoesNotOpen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	// No runtime exists until the first successful Connect.
	ticket, err := r.Get(conn.ID)
	assert.Error(t, err)
	assert.False(t, ticket.Connected)
}

func TestRegistry_ConnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ex := &fakeExecutor{adapter: adapter}

	ok, err := r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, adapter.closeCalls, "second connect must not reopen")
}

func TestRegistry_DisconnectEmitsConnectionEnded(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ex := &fakeExecutor{adapter: adapter}
	_, err = r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, r.Disconnect(conn.ID))
	assert.True(t, adapter.closed)
	require.Len(t, events, 1)
	assert.Equal(t, ConnectionEnded, events[0].Kind)
	assert.Equal(t, conn.ID, events[0].ConnectionID)

	ticket, err := r.Get(conn.ID)
	require.NoError(t, err)
	assert.False(t, ticket.Connected)
}

func TestRegistry_MarkFatalClosesAndEmits(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ex := &fakeExecutor{adapter: adapter}
	_, err = r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	r.MarkFatal(conn.ID)
	assert.True(t, adapter.closed)
	require.Len(t, events, 1)
	assert.Equal(t, ConnectionEnded, events[0].Kind)
}

func TestRegistry_RemoveClosesAndDeletes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ex := &fakeExecutor{adapter: adapter}
	_, err = r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, conn.ID))
	assert.True(t, adapter.closed)

	_, err = r.store.GetConnection(ctx, conn.ID)
	assert.Error(t, err)
}

func TestRegistry_UpdateClosesLiveRuntimeOnChange(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	conn, err := r.Add(ctx, store.Connection{DisplayName: "c", Dialect: "fake"})
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ex := &fakeExecutor{adapter: adapter}
	_, err = r.Connect(ctx, conn.ID, ex, executor.ConnectionConfig{})
	require.NoError(t, err)

	conn.DisplayName = "renamed"
	require.NoError(t, r.Update(ctx, conn))
	assert.True(t, adapter.closed)

	ticket, err := r.Get(conn.ID)
	require.NoError(t, err)
	assert.False(t, ticket.Connected)
}
