package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

const sampleYAML = `
sources:
  src1:
    engine: mysql
    host: db1.internal
    port: 3306
    user: appuser
    password: secret
    database: shop
target:
  engine: postgres
  host: warehouse.internal
  port: 5432
  user: loader
  password: secret
  database: analytics
plans:
  - source_id: src1
    provider: static
    tables:
      - target_table: orders
        source_table: orders
        columns: ["id", "total", "updated_at"]
        timestamp_column: updated_at
        refresh_recent: timestamp
        refresh_window: 48h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Contains(t, cfg.Sources, "src1")
	assert.Equal(t, "mysql", cfg.Sources["src1"].Engine)
	assert.Equal(t, "postgres", cfg.Target.Engine)
	require.Len(t, cfg.Plans, 1)
	assert.Equal(t, "static", cfg.Plans[0].Provider)
}

func TestLoadRejectsUnknownSourceID(t *testing.T) {
	path := writeConfig(t, `
sources:
  src1: {engine: mysql, host: h, port: 3306, user: u, password: p, database: d}
target: {engine: postgres, host: h, port: 5432, user: u, password: p, database: d}
plans:
  - source_id: missing
    provider: static
    tables: [{target_table: orders, source_table: orders}]
`)
	_, err := Load(path)
	require.Error(t, err)
	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syncerr.KindConfig, se.Kind)
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	path := writeConfig(t, `
sources:
  src1: {engine: oracle, host: h, port: 1, user: u, password: p, database: d}
target: {engine: postgres, host: h, port: 5432, user: u, password: p, database: d}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsPlanGroupMissingSourceID(t *testing.T) {
	path := writeConfig(t, `
sources:
  src1: {engine: mysql, host: h, port: 3306, user: u, password: p, database: d}
target: {engine: postgres, host: h, port: 5432, user: u, password: p, database: d}
plans:
  - provider: static
    tables: [{target_table: orders, source_table: orders}]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestNewProvidersBuildsStaticPlans(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	providers, err := cfg.NewProviders(nil)
	require.NoError(t, err)
	require.Contains(t, providers, "src1")

	plans, err := providers["src1"].Plans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "orders", plans[0].TargetTable)
	assert.Equal(t, plan.RefreshRecentEnabledByTimestamp, plans[0].RefreshRecent.Mode)
	assert.Equal(t, "48h0m0s", plans[0].RefreshWindow.String())
}

func TestMysqlDSNFormatsConnectionString(t *testing.T) {
	got := mysqlDSN(SourceConfig{Host: "db1", Port: 3306, User: "u", Password: "p", Database: "shop"})
	assert.Contains(t, got, "u:p@tcp(db1:3306)/shop")
}

func TestPostgresDSNFormatsConnectionString(t *testing.T) {
	got := postgresDSN(SourceConfig{Host: "warehouse", Port: 5432, User: "u", Password: "p", Database: "analytics"})
	assert.Equal(t, "postgres://u:p@warehouse:5432/analytics?sslmode=disable", got)
}

func TestClockConfigDefaultsToReal(t *testing.T) {
	c := ClockConfig{}
	clk := c.NewClock()
	require.NotNil(t, clk)
}
