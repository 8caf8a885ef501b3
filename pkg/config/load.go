// pkg/config/load.go
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoadConfig loads the gateway configuration from various sources.
// Precedence order: Environment Variables > Config File > Default Values.
// Validates the resulting configuration.
func LoadConfig(configPath string) (Config, error) {
	// 1. Create a new local Viper instance
	v := viper.New()

	// Get the struct with default values defined in NewDefaultConfig()
	// These serve as the base before being potentially overridden.
	cfg := NewDefaultConfig()

	// 2. Configure the local Viper instance to read environment variables
	v.SetEnvPrefix("SQLGATE")                          // Prefix for environment variables (e.g., SQLGATE_DATADIR)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Map keys with dots (engine.pagesize) to env var format (ENGINE_PAGESIZE)
	v.AutomaticEnv()                                   // Automatically read matching environment variables

	// 3. Read the configuration file
	if configPath != "" {
		// If a path was EXPLICITLY provided by the user
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If the user specified a file, an error reading it should be returned.
			return cfg, fmt.Errorf("error reading specified config file '%s': %w", configPath, err)
		}
		log.Printf("[config] read specified config file: %s\n", configPath)
	} else {
		// If NO path was provided, try reading default config files (optionally)
		v.SetConfigName("sqlgate")        // Name of the file to look for (without extension)
		v.SetConfigType("yaml")           // Type of the config file
		v.AddConfigPath(".")              // Look in the current directory (.)
		v.AddConfigPath("$HOME/.sqlgate") // Look in ~/.sqlgate/
		v.AddConfigPath("/etc/sqlgate/")  // Look in /etc/sqlgate/

		// Attempt to read the default config file.
		// Ignore 'file not found' errors (viper.ConfigFileNotFoundError),
		// as using a default file is optional. Other errors (e.g., permissions) might be relevant.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Return error only if it's something other than 'file not found'
				return cfg, fmt.Errorf("error reading default config file: %w", err)
			}
			// If the error is viper.ConfigFileNotFoundError, just ignore it and continue.
			log.Println("[config] default config file not found or not used, using defaults + env")
		} else {
			log.Printf("[config] read default config file from: %s\n", v.ConfigFileUsed())
		}
	}

	// 4. Populate the 'cfg' struct with values read by Viper
	// Viper merges sources (file, env) onto the 'v' instance.
	// Unmarshal attempts to place these values into the 'cfg' struct,
	// overwriting the defaults that were already there.
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding configuration: %w", err)
	}

	// 4.1 (Explicit Reinforcement Post-Unmarshal)
	// Ensures environment variables have the correct precedence, especially
	// if Unmarshal or AutomaticEnv have quirks.
	// Uses v.IsSet() to check if the key was defined by any source
	// (including env vars) and v.Get* to get the value (respecting precedence).
	if v.IsSet("datadir") {
		cfg.DataDir = v.GetString("datadir")
	}
	if v.IsSet("store.path") {
		cfg.Store.Path = v.GetString("store.path")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("pool.maxidleconns") {
		cfg.Pool.MaxIdleConns = v.GetInt("pool.maxidleconns")
	}
	if v.IsSet("pool.maxopenconns") {
		cfg.Pool.MaxOpenConns = v.GetInt("pool.maxopenconns")
	}
	if v.IsSet("pool.connmaxlifetime") {
		durationVal := v.GetDuration("pool.connmaxlifetime")
		if durationVal > 0 {
			cfg.Pool.ConnMaxLifetime = durationVal
		} else if durationStr := v.GetString("pool.connmaxlifetime"); durationStr != "" {
			if parsedDuration, err := time.ParseDuration(durationStr); err == nil {
				cfg.Pool.ConnMaxLifetime = parsedDuration
			}
		}
	}
	if v.IsSet("engine.pagesize") {
		cfg.Engine.PageSize = v.GetInt("engine.pagesize")
	}
	if v.IsSet("engine.maxretainedrows") {
		cfg.Engine.MaxRetainedRows = v.GetInt("engine.maxretainedrows")
	}
	if v.IsSet("introspection.schemattl") {
		cfg.Introspection.SchemaTTL = v.GetDuration("introspection.schemattl")
	}

	// 5. Validate the final 'cfg' struct (after all sources have been applied)
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil { // If validation FAILS, err is non-nil
		var validationErrors []string
		// Try converting the error to ValidationErrors to get details
		if vErrs, ok := err.(validator.ValidationErrors); ok {
			for _, vErr := range vErrs {
				fieldName := vErr.Namespace() // e.g., Config.DataDir
				tag := vErr.Tag()             // e.g., required
				msg := fmt.Sprintf("field '%s' failed validation on '%s'", fieldName, tag)
				validationErrors = append(validationErrors, msg)
			}
		} else {
			// If the error is not ValidationErrors type, just include the general message
			validationErrors = append(validationErrors, err.Error())
		}
		// Return a combined error indicating validation failure
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(validationErrors, "; "))
	}

	// 6. Return the successfully loaded and validated configuration
	return cfg, nil // Returns nil error if validation passed
}
