package config_test

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/config"
)

func TestStoreConfigPreflightRejectsUnknownDriver(t *testing.T) {
	c := config.StoreConfig{Driver: "oracle", DSN: "x"}
	assert.Error(t, c.Preflight())
}

func TestStoreConfigPreflightRejectsEmptyDSN(t *testing.T) {
	c := config.StoreConfig{Driver: "postgres"}
	assert.Error(t, c.Preflight())
}

func TestStoreConfigPreflightAcceptsEachKnownDriver(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "legacy-pq"} {
		c := config.StoreConfig{Driver: driver, DSN: "dsn"}
		assert.NoError(t, c.Preflight(), driver)
	}
}

func TestBatchMatchConfigPreflightRejectsNonPositivePageSize(t *testing.T) {
	c := config.BatchMatchConfig{PageSize: 0}
	assert.Error(t, c.Preflight())

	c.PageSize = -5
	assert.Error(t, c.Preflight())

	c.PageSize = 500
	assert.NoError(t, c.Preflight())
}

func TestBatchMatchConfigAsJobConfigCopiesFields(t *testing.T) {
	c := config.BatchMatchConfig{RecordType: "Patient", PageSize: 250, TotalHint: 1000}
	job := c.AsJobConfig()
	assert.Equal(t, "Patient", job.RecordType)
	assert.Equal(t, 250, job.PageSize)
	assert.Equal(t, 1000, job.TotalHint)
}

func TestConfigBindRegistersDefaultsAndPreflightPasses(t *testing.T) {
	var c config.Config
	flags := pflag.NewFlagSet("mdmd", pflag.ContinueOnError)
	c.Bind(flags)

	require.NoError(t, flags.Parse([]string{"--storeDSN", "postgres://localhost/mdm"}))

	assert.Equal(t, "postgres", c.Store.Driver)
	assert.Equal(t, "postgres://localhost/mdm", c.Store.DSN)
	assert.Equal(t, ":8443", c.BindAddr)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, "info", c.LogLevel)
	assert.False(t, c.DeleteEmptyMasters)
	assert.Equal(t, 500, c.Batch.PageSize)

	assert.NoError(t, c.Preflight())
}

func TestConfigPreflightFailsWithoutStoreDSN(t *testing.T) {
	var c config.Config
	flags := pflag.NewFlagSet("mdmd", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse(nil))

	assert.Error(t, c.Preflight())
}

func TestConfigPreflightFailsWithEmptyBindAddr(t *testing.T) {
	var c config.Config
	flags := pflag.NewFlagSet("mdmd", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse([]string{"--storeDSN", "dsn", "--bindAddr", ""}))

	assert.Error(t, c.Preflight())
}
