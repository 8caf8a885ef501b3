// pkg/config/config.go
package config

import "time"

// PoolConfig holds connection pool settings loaded from configuration.
// No adapter and not the metadata store reads them: each adapter sets its
// own pool limits when it opens, and the store always uses one connection.
type PoolConfig struct {
	// MaxIdleConns is the maximum number of connections in the idle connection pool.
	MaxIdleConns int `mapstructure:"maxIdleConns"`

	// MaxOpenConns is the maximum number of open connections to the database.
	// If MaxOpenConns is <= 0, then there is no limit on the number of open connections.
	MaxOpenConns int `mapstructure:"maxOpenConns"`

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
}

// StoreConfig configures the embedded metadata store (§4.2).
type StoreConfig struct {
	// Path is the single file the metadata store lives in. Empty means
	// "<DataDir>/gateway.db".
	Path string `mapstructure:"path"`
}

// EngineConfig configures the Query Engine (§4.6).
type EngineConfig struct {
	// PageSize bounds rows per page. Default 50, per §3.
	PageSize int `mapstructure:"pageSize" validate:"gt=0"`
	// MaxRetainedRows bounds total buffered rows per query before older,
	// already-fetched pages become eligible for eviction (§4.6).
	MaxRetainedRows int `mapstructure:"maxRetainedRows" validate:"gt=0"`
	// StatementTimeout is the optional per-statement deadline; zero disables it.
	StatementTimeout time.Duration `mapstructure:"statementTimeout"`
}

// IntrospectionConfig configures schema snapshot caching (§4.7).
type IntrospectionConfig struct {
	// SchemaTTL is the default cache freshness window. Default 10 minutes.
	SchemaTTL time.Duration `mapstructure:"schemaTTL"`
	// CatalogPageSize is the configured rows-per-page for dialect-specific
	// catalog listings (indexes/constraints/triggers/routines/views). It is
	// loaded and validated only; Gateway.ListCatalog takes its page size from
	// the caller and uses 50 when none is given.
	CatalogPageSize int `mapstructure:"catalogPageSize" validate:"gt=0"`
}

// OracleSettings is the Oracle-specific settings bag from §6, editable per
// connection (or as a fleet-wide default when no connection id is given).
type OracleSettings struct {
	RawFormat              string        `mapstructure:"rawFormat"`
	RawChunkSize            int           `mapstructure:"rawChunkSize"`
	BlobStream              bool          `mapstructure:"blobStream"`
	BlobChunkSize           int           `mapstructure:"blobChunkSize"`
	AllowDBLinkPing         bool          `mapstructure:"allowDbLinkPing"`
	XPlanFormat             string        `mapstructure:"xplanFormat"`
	XPlanMode               string        `mapstructure:"xplanMode"`
	ReconnectMaxRetries     int           `mapstructure:"reconnectMaxRetries"`
	ReconnectBackoff        time.Duration `mapstructure:"reconnectBackoffMs"`
	StmtCacheSize           int           `mapstructure:"stmtCacheSize"`
	BatchSize               int           `mapstructure:"batchSize"`
	BytesFormat             string        `mapstructure:"bytesFormat"`
	BytesChunkSize          int           `mapstructure:"bytesChunkSize"`
	TimestampTZMode         string        `mapstructure:"timestampTzMode"`
	NumericStringPolicy     string        `mapstructure:"numericStringPolicy"`
	NumericPrecisionThreshold int         `mapstructure:"numericPrecisionThreshold"`
	JSONDetection           bool          `mapstructure:"jsonDetection"`
	JSONMinLength           int           `mapstructure:"jsonMinLength"`
	MoneyAsString           bool          `mapstructure:"moneyAsString"`
	MoneyDecimals           int           `mapstructure:"moneyDecimals"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // Ex: "debug", "info", "warn", "error"
	Format string `mapstructure:"format"` // Ex: "text", "json"
}

// Config is the top-level struct aggregating every gateway setting.
type Config struct {
	DataDir        string              `mapstructure:"dataDir" validate:"required"`
	Store          StoreConfig         `mapstructure:"store"`
	Pool           PoolConfig          `mapstructure:"pool"`
	Engine         EngineConfig        `mapstructure:"engine"`
	Introspection  IntrospectionConfig `mapstructure:"introspection"`
	Oracle         OracleSettings      `mapstructure:"oracle"`
	Logging        LoggingConfig       `mapstructure:"logging"`
}

// NewDefaultConfig returns a configuration populated with documented
// defaults; DataDir has no default and is required user input.
func NewDefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: 1 * time.Hour,
		},
		Engine: EngineConfig{
			PageSize:        50,
			MaxRetainedRows: 10000,
		},
		Introspection: IntrospectionConfig{
			SchemaTTL:       10 * time.Minute,
			CatalogPageSize: 100,
		},
		Oracle: OracleSettings{
			RawFormat:                 "hex",
			RawChunkSize:              4096,
			BlobChunkSize:             4096,
			XPlanFormat:               "text",
			XPlanMode:                 "typical",
			ReconnectMaxRetries:       3,
			ReconnectBackoff:          500 * time.Millisecond,
			StmtCacheSize:             40,
			BatchSize:                 100,
			BytesFormat:               "hex",
			BytesChunkSize:            4096,
			TimestampTZMode:           "preserve",
			NumericStringPolicy:       "overflow-only",
			NumericPrecisionThreshold: 18,
			JSONDetection:             true,
			JSONMinLength:             2,
			MoneyDecimals:             2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
