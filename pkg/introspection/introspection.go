// Package introspection implements §4.7's schema caching and catalog
// listing surface: a TTL-bounded wrapper over each connection's
// executor.Adapter.Introspect, backed by the metadata store so a warm
// cache survives a process restart, plus a pass-through to the
// adapter's dialect-specific catalog listings.
package introspection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/iancoleman/strcase"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/store"
)

var log = gwlog.New("introspection")

const defaultTTL = 10 * time.Minute

// AdapterLookup resolves a connection id to its live Adapter, mirroring
// pkg/engine.AdapterLookup's shape so callers can share one closure
// across both.
type AdapterLookup func(connectionID string) (adapter executor.Adapter, connected bool, err error)

type cacheEntry struct {
	snapshot *executor.SchemaSnapshot
	builtAt  time.Time
}

// Cache is the TTL-bounded schema cache (§4.7). An in-memory layer
// (keyed by connection id, per the teacher's reflect.Type-keyed
// sync.Map idiom in pkg/schema/parser.go) sits in front of the
// metadata store's schema_cache table, so a fresh-enough snapshot
// survives a process restart without re-introspecting.
type Cache struct {
	lookup AdapterLookup
	store  *store.Store
	ttl    time.Duration

	mem sync.Map // connection id -> *cacheEntry
}

// New builds a Cache. ttl <= 0 uses the default (10 minutes, per §4.7).
func New(lookup AdapterLookup, st *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{lookup: lookup, store: st, ttl: ttl}
}

// GetSchema returns connectionID's SchemaSnapshot, serving it from
// cache when fresh (checked first in memory, then in the store) and
// otherwise rebuilding it via the adapter and caching the result in
// both layers.
func (c *Cache) GetSchema(ctx context.Context, connectionID string, perConnectionTTL time.Duration) (*executor.SchemaSnapshot, error) {
	ttl := c.ttl
	if perConnectionTTL > 0 {
		ttl = perConnectionTTL
	}

	if v, ok := c.mem.Load(connectionID); ok {
		entry := v.(*cacheEntry)
		if time.Since(entry.builtAt) < ttl {
			return entry.snapshot, nil
		}
	}

	if c.store != nil {
		if snapshotJSON, builtAt, ok, err := c.store.GetSchemaCache(ctx, connectionID); err == nil && ok {
			if time.Since(builtAt) < ttl {
				var snap executor.SchemaSnapshot
				if jerr := json.Unmarshal([]byte(snapshotJSON), &snap); jerr == nil {
					c.mem.Store(connectionID, &cacheEntry{snapshot: &snap, builtAt: builtAt})
					return &snap, nil
				}
			}
		}
	}

	return c.refresh(ctx, connectionID)
}

// Invalidate drops connectionID's cached snapshot from both layers,
// forcing the next GetSchema call to rebuild it.
func (c *Cache) Invalidate(ctx context.Context, connectionID string) error {
	c.mem.Delete(connectionID)
	if c.store == nil {
		return nil
	}
	return c.store.InvalidateSchemaCache(ctx, connectionID)
}

func (c *Cache) refresh(ctx context.Context, connectionID string) (*executor.SchemaSnapshot, error) {
	adapter, connected, err := c.lookup(connectionID)
	if err != nil {
		return nil, err
	}
	if !connected || adapter == nil {
		return nil, gwerrors.New(gwerrors.KindConnectFailed, "introspection-refresh", "connection is not open")
	}

	snap, err := adapter.Introspect(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindIntrospectFailed, "introspection-refresh", err)
	}
	snap.ColumnNames = dedupeAutocompleteNames(snap.ColumnNames)

	now := time.Now()
	c.mem.Store(connectionID, &cacheEntry{snapshot: snap, builtAt: now})

	if c.store != nil {
		if blob, jerr := json.Marshal(snap); jerr == nil {
			if perr := c.store.PutSchemaCache(ctx, connectionID, string(blob)); perr != nil {
				// Persistence failures never block returning the freshly
				// built snapshot (§4.7's "persistence failures are logged
				// and do not affect query results" policy extends here).
				log.Error("persist schema cache for %s: %v", connectionID, perr)
			}
		}
	}
	return snap, nil
}

// dedupeAutocompleteNames collapses column names that differ only by
// the reporting dialect's default identifier casing (Oracle upper,
// Postgres lower, mixed-case MSSQL/SQLite) so autocomplete doesn't
// offer "ID" and "id" as distinct suggestions for the same name. The
// first-seen casing for each snake_case form wins; order is preserved.
func dedupeAutocompleteNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := strcase.ToSnake(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// ListCatalog delegates to connectionID's adapter for one page of a
// dialect-specific catalog listing (§6); it is never itself cached,
// since catalog browsing is paged interactively rather than replayed
// like autocomplete's column-name set.
func (c *Cache) ListCatalog(ctx context.Context, connectionID string, kind executor.CatalogKind, offset, limit int) ([]executor.CatalogRow, error) {
	adapter, connected, err := c.lookup(connectionID)
	if err != nil {
		return nil, err
	}
	if !connected || adapter == nil {
		return nil, gwerrors.New(gwerrors.KindConnectFailed, "introspection-catalog", "connection is not open")
	}
	return adapter.ListCatalog(ctx, kind, offset, limit)
}
