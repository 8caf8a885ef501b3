// Package gateway implements the Command Surface (§4.8/§6): one method
// per external verb, delegating to pkg/engine, pkg/registry,
// pkg/introspection and pkg/store and never embedding business logic of
// its own. It is the only package that knows the full shape of a
// connection's dialect-specific configuration; everything below it
// treats configuration as either a dialect-neutral executor.ConnectionConfig
// or an opaque JSON blob.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sqlgate/gateway/pkg/engine"
	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/introspection"
	"github.com/sqlgate/gateway/pkg/registry"
	"github.com/sqlgate/gateway/pkg/store"
	"github.com/sqlgate/gateway/pkg/value"
)

// Gateway is the process-wide Command Surface. One instance is built at
// startup and shared by every transport (cmd/gateway's serve command,
// and any future RPC front end) the process exposes.
type Gateway struct {
	store *store.Store
	reg   *registry.Registry
	eng   *engine.Engine
	intro *introspection.Cache
}

// New wires a Gateway over an already-open store and registry. pageSize
// and maxRetainedRows configure the Query Engine (§3); statementTimeout
// is the optional per-statement deadline (§5, zero disables it); schemaTTL
// configures the introspection cache's default (§4.7).
func New(st *store.Store, reg *registry.Registry, pageSize, maxRetainedRows int, statementTimeout time.Duration, schemaTTL time.Duration) *Gateway {
	lookup := func(id string) (executor.Adapter, bool, error) {
		t, err := reg.Get(id)
		if err != nil {
			return nil, false, err
		}
		return t.Adapter, t.Connected, nil
	}
	return &Gateway{
		store: st,
		reg:   reg,
		eng:   engine.New(lookup, reg.MarkFatal, st, pageSize, maxRetainedRows, statementTimeout),
		intro: introspection.New(lookup, st, schemaTTL),
	}
}

// --- Connection configuration ------------------------------------------

// ConnectionConfig is the full dialect-specific configuration for one
// connection (§6's per-dialect option tables), the shape callers submit
// and the shape persisted as Connection.SettingsJSON.
type ConnectionConfig struct {
	ConnectionString string         `json:"connection_string,omitempty"`
	CACertPath       string         `json:"ca_cert_path,omitempty"`
	WalletPath       string         `json:"wallet_path,omitempty"`
	TNSAlias         string         `json:"tns_alias,omitempty"`
	DBPath           string         `json:"db_path,omitempty"`
	Oracle           OracleSettings `json:"oracle_settings,omitempty"`
}

// OracleSettings is the Oracle-specific settings bag from §6.
type OracleSettings struct {
	RawFormat              string `json:"raw_format,omitempty"`
	RawChunkSize           int    `json:"raw_chunk_size,omitempty"`
	BlobStream             bool   `json:"blob_stream,omitempty"`
	BlobChunkSize          int    `json:"blob_chunk_size,omitempty"`
	AllowDBLinkPing        bool   `json:"allow_db_link_ping,omitempty"`
	XPlanFormat            string `json:"xplan_format,omitempty"`
	XPlanMode              string `json:"xplan_mode,omitempty"`
	ReconnectMaxRetries    int    `json:"reconnect_max_retries,omitempty"`
	ReconnectBackoffMS     int    `json:"reconnect_backoff_ms,omitempty"`
	StmtCacheSize          int    `json:"stmt_cache_size,omitempty"`
	BatchSize              int    `json:"batch_size,omitempty"`
	BytesFormat            string `json:"bytes_format,omitempty"`
	BytesChunkSize         int    `json:"bytes_chunk_size,omitempty"`
	TimestampTZMode        string `json:"timestamp_tz_mode,omitempty"`
	NumericStringPolicy    string `json:"numeric_string_policy,omitempty"`
	NumericPrecisionThresh int    `json:"numeric_precision_threshold,omitempty"`
	JSONDetection          bool   `json:"json_detection,omitempty"`
	JSONMinLength          int    `json:"json_min_length,omitempty"`
	MoneyAsString          bool   `json:"money_as_string,omitempty"`
	MoneyDecimals          int    `json:"money_decimals,omitempty"`
	SchemaTTL              string `json:"schema_ttl,omitempty"`
}

func decodeConfig(settingsJSON string) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	if settingsJSON == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(settingsJSON), &cfg); err != nil {
		return ConnectionConfig{}, gwerrors.Wrap(gwerrors.KindConfigInvalid, "gateway-decode-config", err)
	}
	return cfg, nil
}

func encodeConfig(cfg ConnectionConfig) (string, error) {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindConfigInvalid, "gateway-encode-config", err)
	}
	return string(blob), nil
}

// toExecutorConfig translates the gateway's rich per-dialect
// ConnectionConfig into the dialect-neutral shape every driver adapter
// consumes. Most dialects simply pass a raw connection string through
// as DSN; SQLite/DuckDB use DBPath as Database; Oracle's settings bag
// rides in Settings for driver/oracle to pick apart.
func toExecutorConfig(dialect string, cfg ConnectionConfig) executor.ConnectionConfig {
	out := executor.ConnectionConfig{DSN: cfg.ConnectionString}
	switch dialect {
	case "sqlite", "duckdb":
		out.Database = cfg.DBPath
		out.DSN = ""
	case "oracle":
		out.Settings = map[string]any{
			"wallet_path":           cfg.WalletPath,
			"tns_alias":             cfg.TNSAlias,
			"reconnect_max_retries": cfg.Oracle.ReconnectMaxRetries,
			"reconnect_backoff_ms":  cfg.Oracle.ReconnectBackoffMS,
		}
	}
	return out
}

// --- Connections (§6) ----------------------------------------------------

// TestConnection probes dialect/cfg without retaining any resource or
// touching the store (§4.8's test_connection).
func (g *Gateway) TestConnection(ctx context.Context, dialect string, cfg ConnectionConfig) executor.ProbeResult {
	factory := executor.Get(dialect)
	if factory == nil {
		return executor.ProbeResult{OK: false, Reason: "unknown dialect " + dialect}
	}
	return factory().Probe(ctx, toExecutorConfig(dialect, cfg))
}

// AddConnection persists a new connection row (§4.8's add_connection).
// It does not open a live connection.
func (g *Gateway) AddConnection(ctx context.Context, name, dialect string, cfg ConnectionConfig, perms store.Permission) (store.Connection, error) {
	settingsJSON, err := encodeConfig(cfg)
	if err != nil {
		return store.Connection{}, err
	}
	return g.reg.Add(ctx, store.Connection{
		DisplayName:  name,
		Dialect:      dialect,
		SettingsJSON: settingsJSON,
		Permissions:  perms,
	})
}

// UpdateConnection overwrites name/cfg for an existing connection,
// closing any live session first (§4.4).
func (g *Gateway) UpdateConnection(ctx context.Context, id, name string, cfg ConnectionConfig) error {
	existing, err := g.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	settingsJSON, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	existing.DisplayName = name
	existing.SettingsJSON = settingsJSON
	return g.reg.Update(ctx, existing)
}

// RemoveConnection deletes a connection and its dependent rows (§4.8).
func (g *Gateway) RemoveConnection(ctx context.Context, id string) error {
	return g.reg.Remove(ctx, id)
}

// GetConnections lists every persisted connection (§4.8).
func (g *Gateway) GetConnections(ctx context.Context) ([]store.Connection, error) {
	return g.store.ListConnections(ctx)
}

// Connect opens the live adapter for id, idempotent if already open
// (§4.8's connect).
func (g *Gateway) Connect(ctx context.Context, id string) (bool, error) {
	conn, err := g.store.GetConnection(ctx, id)
	if err != nil {
		return false, err
	}
	factory := executor.Get(conn.Dialect)
	if factory == nil {
		return false, gwerrors.New(gwerrors.KindConfigInvalid, "gateway-connect", "unknown dialect "+conn.Dialect)
	}
	cfg, err := decodeConfig(conn.SettingsJSON)
	if err != nil {
		return false, err
	}
	return g.reg.Connect(ctx, id, factory(), toExecutorConfig(conn.Dialect, cfg))
}

// Disconnect closes the live adapter for id, if open (§4.8).
func (g *Gateway) Disconnect(id string) error {
	return g.reg.Disconnect(id)
}

// --- Queries (§6) ---------------------------------------------------------

// SubmitQuery splits sqlText per the connection's dialect and schedules
// it for execution, returning the allocated QueryIds in order (§4.8's
// submit_query).
func (g *Gateway) SubmitQuery(ctx context.Context, connectionID, sqlText string) ([]engine.QueryId, error) {
	conn, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	factory := executor.Get(conn.Dialect)
	if factory == nil {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "gateway-submit", "unknown dialect "+conn.Dialect)
	}
	return g.eng.Submit(ctx, connectionID, factory(), sqlText)
}

// WaitUntilRenderable suspends until qid's first page is ready or it
// reaches a terminal status (§4.8).
func (g *Gateway) WaitUntilRenderable(ctx context.Context, qid engine.QueryId) (engine.StatementInfo, error) {
	return g.eng.WaitUntilRenderable(ctx, qid)
}

// FetchPage returns one page of qid's results, waiting while the
// statement is still running and the page is not sealed yet; nil if the
// page has been evicted or lies beyond the last page of a finished
// statement (§4.8).
func (g *Gateway) FetchPage(qid engine.QueryId, pageIndex int) (*value.Page, error) {
	return g.eng.FetchPage(qid, pageIndex)
}

// GetQueryStatus returns qid's current lifecycle status (§4.8).
func (g *Gateway) GetQueryStatus(qid engine.QueryId) (engine.Status, error) {
	return g.eng.GetQueryStatus(qid)
}

// GetPageCount returns the number of pages sealed so far for qid (§4.8).
func (g *Gateway) GetPageCount(qid engine.QueryId) (int, error) {
	return g.eng.GetPageCount(qid)
}

// GetColumns returns qid's column list, if known yet (§4.8).
func (g *Gateway) GetColumns(qid engine.QueryId) (value.ColumnList, error) {
	return g.eng.GetColumns(qid)
}

// CancelQuery requests cancellation of qid and every later statement in
// its submission (§4.8).
func (g *Gateway) CancelQuery(ctx context.Context, qid engine.QueryId) error {
	return g.eng.Cancel(ctx, qid)
}

// --- Introspection & history (§6) -----------------------------------------

// GetDatabaseSchema returns connectionID's SchemaSnapshot, served from
// cache when fresh (§4.8).
func (g *Gateway) GetDatabaseSchema(ctx context.Context, connectionID string) (*executor.SchemaSnapshot, error) {
	ttl, err := g.oracleSchemaTTL(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return g.intro.GetSchema(ctx, connectionID, ttl)
}

func (g *Gateway) oracleSchemaTTL(ctx context.Context, connectionID string) (time.Duration, error) {
	conn, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	cfg, err := decodeConfig(conn.SettingsJSON)
	if err != nil {
		return 0, err
	}
	if cfg.Oracle.SchemaTTL == "" {
		return 0, nil
	}
	d, perr := time.ParseDuration(cfg.Oracle.SchemaTTL)
	if perr != nil {
		return 0, nil
	}
	return d, nil
}

// GetQueryHistory returns the most recent history entries for
// connectionID, descending by executed_at (§4.8).
func (g *Gateway) GetQueryHistory(ctx context.Context, connectionID string, limit int) ([]store.HistoryEntry, error) {
	return g.store.ListHistory(ctx, connectionID, limit)
}

// ListCatalog returns one page of a dialect-specific catalog listing
// (§6's per-dialect catalog views).
func (g *Gateway) ListCatalog(ctx context.Context, connectionID string, kind executor.CatalogKind, page, pageSize int) ([]executor.CatalogRow, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	return g.intro.ListCatalog(ctx, connectionID, kind, page*pageSize, pageSize)
}

// --- Scripts (§6) ----------------------------------------------------------

// SaveScript persists a new script.
func (g *Gateway) SaveScript(ctx context.Context, script store.Script) (store.Script, error) {
	return g.store.CreateScript(ctx, script)
}

// UpdateScript overwrites an existing script's mutable fields.
func (g *Gateway) UpdateScript(ctx context.Context, script store.Script) error {
	return g.store.UpdateScript(ctx, script)
}

// GetScripts returns every saved script, optionally narrowed to those
// bound to connectionID (empty means all).
func (g *Gateway) GetScripts(ctx context.Context, connectionID string) ([]store.Script, error) {
	all, err := g.store.ListScripts(ctx)
	if err != nil || connectionID == "" {
		return all, err
	}
	out := all[:0]
	for _, s := range all {
		if s.ConnectionID == connectionID {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeleteScript removes the script identified by id.
func (g *Gateway) DeleteScript(ctx context.Context, id int64) error {
	return g.store.DeleteScript(ctx, id)
}

// --- Session state (§6) -----------------------------------------------------

// GetSessionState returns the opaque session blob for connectionID, or
// "" if none has been saved.
func (g *Gateway) GetSessionState(ctx context.Context, connectionID string) (string, error) {
	return g.store.GetSessionBlob(ctx, connectionID)
}

// SaveSessionState upserts the opaque session blob for connectionID.
func (g *Gateway) SaveSessionState(ctx context.Context, connectionID, blob string) error {
	return g.store.PutSessionBlob(ctx, connectionID, blob)
}

// --- Settings (§6) -----------------------------------------------------------

// GetOracleSettings returns connectionID's Oracle settings bag, falling
// back to the global default ("" id) when connectionID has none of its
// own.
func (g *Gateway) GetOracleSettings(ctx context.Context, connectionID string) (OracleSettings, error) {
	if connectionID != "" {
		conn, err := g.store.GetConnection(ctx, connectionID)
		if err != nil {
			return OracleSettings{}, err
		}
		cfg, err := decodeConfig(conn.SettingsJSON)
		if err != nil {
			return OracleSettings{}, err
		}
		return cfg.Oracle, nil
	}
	raw, err := g.store.GetSetting(ctx, "oracle_settings_default")
	if err != nil || raw == "" {
		return OracleSettings{}, err
	}
	var s OracleSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return OracleSettings{}, gwerrors.Wrap(gwerrors.KindConfigInvalid, "gateway-oracle-settings", err)
	}
	return s, nil
}

// SetOracleSettings persists an Oracle settings bag, either globally
// (connectionID == "") or scoped to one connection.
func (g *Gateway) SetOracleSettings(ctx context.Context, settings OracleSettings, connectionID string) error {
	if connectionID == "" {
		blob, err := json.Marshal(settings)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindConfigInvalid, "gateway-oracle-settings", err)
		}
		return g.store.PutSetting(ctx, "oracle_settings_default", string(blob))
	}
	conn, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	cfg, err := decodeConfig(conn.SettingsJSON)
	if err != nil {
		return err
	}
	cfg.Oracle = settings
	settingsJSON, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	conn.SettingsJSON = settingsJSON
	return g.reg.Update(ctx, conn)
}

// --- Events (§6) -------------------------------------------------------------

// OnConnectionEnded registers fn to be called whenever any connection
// transitions from connected to disconnected, fatally or by request
// (§4.4's connection-ended event).
func (g *Gateway) OnConnectionEnded(fn func(connectionID string)) {
	g.reg.Subscribe(func(ev registry.Event) {
		if ev.Kind == registry.ConnectionEnded {
			fn(ev.ConnectionID)
		}
	})
}
