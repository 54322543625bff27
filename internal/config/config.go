// Package config is the MDM engine's ambient configuration layer:
// pflag-bound CLI flags, layered over a viper store so the same
// values can come from a config file or the environment, validated by
// a Preflight pass before the server starts serving. Grounded on
// internal/source/server/config.go's Bind/Preflight pattern in the
// teacher.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/santedb/mdm/internal/batchmatch"
)

// StoreConfig describes which persistence backend to dial and how.
type StoreConfig struct {
	Driver string // "postgres" | "mysql" | "legacy-pq"
	DSN    string
}

// Bind registers StoreConfig's flags.
func (c *StoreConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.Driver, "storeDriver", "postgres", "persistence backend: postgres, mysql, or legacy-pq")
	flags.StringVar(&c.DSN, "storeDSN", "", "connection string for the persistence backend")
}

// Preflight validates StoreConfig.
func (c *StoreConfig) Preflight() error {
	switch c.Driver {
	case "postgres", "mysql", "legacy-pq":
	default:
		return errors.Errorf("unrecognized storeDriver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("storeDSN unset")
	}
	return nil
}

// BatchMatchConfig is the CLI-bindable form of batchmatch.Config.
type BatchMatchConfig struct {
	RecordType string
	PageSize   int
	TotalHint  int
}

// Bind registers BatchMatchConfig's flags.
func (c *BatchMatchConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.RecordType, "batchMatchType", "", "restrict the batch-match sweep to this record type; empty means every type")
	flags.IntVar(&c.PageSize, "batchMatchPageSize", 500, "number of LOCALs matched and committed per batch-match transaction")
	flags.IntVar(&c.TotalHint, "batchMatchTotalHint", 0, "estimated total LOCAL count, used only to report batch-match progress")
}

// Preflight validates BatchMatchConfig.
func (c *BatchMatchConfig) Preflight() error {
	if c.PageSize <= 0 {
		return errors.New("batchMatchPageSize must be positive")
	}
	return nil
}

// AsJobConfig converts to the batchmatch package's runtime config.
func (c *BatchMatchConfig) AsJobConfig() batchmatch.Config {
	return batchmatch.Config{
		RecordType: c.RecordType,
		PageSize:   c.PageSize,
		TotalHint:  c.TotalHint,
	}
}

// Config is the MDM engine's complete, user-visible configuration.
type Config struct {
	Store StoreConfig
	Batch BatchMatchConfig

	BindAddr           string
	DeleteEmptyMasters bool
	MetricsAddr        string
	LogLevel           string
}

// Bind registers every flag and wires a matching viper instance so
// the same keys can be supplied via MDM_-prefixed environment
// variables or a config file, with CLI flags taking precedence.
func (c *Config) Bind(flags *pflag.FlagSet) *viper.Viper {
	c.Store.Bind(flags)
	c.Batch.Bind(flags)

	flags.StringVar(&c.BindAddr, "bindAddr", ":8443", "the network address to bind to")
	flags.BoolVar(&c.DeleteEmptyMasters, "deleteEmptyMasters", false,
		"hard-delete a MASTER once its last LOCAL is unlinked, instead of obsoleting it with a Replaces pointer")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9090", "the network address to serve Prometheus metrics on")
	flags.StringVar(&c.LogLevel, "logLevel", "info", "logrus level: trace, debug, info, warn, error")

	v := viper.New()
	v.SetEnvPrefix("MDM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return v
}

// Preflight validates the fully-assembled configuration before the
// server starts serving (§ ambient stack).
func (c *Config) Preflight() error {
	if err := c.Store.Preflight(); err != nil {
		return err
	}
	if err := c.Batch.Preflight(); err != nil {
		return err
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	return nil
}
