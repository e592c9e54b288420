// Package config loads and validates the sync engine's YAML/env
// configuration (spec.md §6: sources, target, plans, clock, logger),
// grounded on xataio-pgroll's cmd/flags package for the viper binding
// idiom (env prefix + viper.BindPFlag), generalized from pgroll's
// flag-only surface to a structured config file since this engine's
// `sources`/`plans` keys are maps/lists, not a handful of scalars.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/syncwarehouse/syncwarehouse/pkg/clock"
	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// SourceConfig is one entry in the top-level `sources` map (spec.md §6).
type SourceConfig struct {
	Engine   string `mapstructure:"engine"` // "mysql" or "postgres"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Charset  string `mapstructure:"charset"`
}

// TargetConfig is the `target` key: connection options for the warehouse
// (spec.md §6 "engine must support bulk load from file and atomic table
// rename" — enforced by Validate).
type TargetConfig struct {
	Engine   string `mapstructure:"engine"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Charset  string `mapstructure:"charset"`
}

// IndexConfig mirrors plan.IndexSpec for YAML/JSON unmarshaling.
type IndexConfig struct {
	Columns []string `mapstructure:"columns"`
	Unique  bool     `mapstructure:"unique"`
}

// TablePlanConfig mirrors plan.TablePlan's literal fields (spec.md §3),
// used for the `static` provider variant.
type TablePlanConfig struct {
	TargetTable       string                 `mapstructure:"target_table"`
	SourceTable       string                 `mapstructure:"source_table"`
	Columns           []string               `mapstructure:"columns"` // omitted or ["*"] means ALL
	TimestampColumn   string                 `mapstructure:"timestamp_column"`
	TimestampInMillis bool                   `mapstructure:"timestamp_in_millis"`
	Indexes           map[string]IndexConfig `mapstructure:"indexes"`
	RefreshRecent     string                 `mapstructure:"refresh_recent"` // "", "timestamp", or a column name
	RefreshWindow      string                `mapstructure:"refresh_window"`  // e.g. "168h", "" means default
	MaxLagOverride     string                `mapstructure:"max_lag"`        // e.g. "30s", "" means default
	Charset            string                `mapstructure:"charset"`
	SourceDSNOverride  string                `mapstructure:"source_dsn_override"`
}

// AllTablesConfig configures the `all_tables` PlanProvider variant
// (spec.md §9 Design Note).
type AllTablesConfig struct {
	TargetPrefix    string          `mapstructure:"target_prefix"`
	Exclude         []string        `mapstructure:"exclude"`
	TimestampColumn string          `mapstructure:"timestamp_column"`
	RefreshRecent   string          `mapstructure:"refresh_recent"`
	RefreshWindow   string          `mapstructure:"refresh_window"`
}

// PlanGroupConfig is one entry in the top-level `plans` list: every plan
// group is scoped to one source-id and uses exactly one provider variant
// (spec.md §9 "a builder per variant, never a single mutable constructor").
type PlanGroupConfig struct {
	SourceID  string            `mapstructure:"source_id"`
	Provider  string            `mapstructure:"provider"` // "static" or "all_tables"
	Tables    []TablePlanConfig `mapstructure:"tables"`    // provider == "static"
	AllTables *AllTablesConfig  `mapstructure:"all_tables"` // provider == "all_tables"
}

// ClockConfig lets tests/operators pin the engine to a fake clock instead
// of wall-clock time (spec.md §6 "clock: injectable source of wall-clock
// time").
type ClockConfig struct {
	Fake      bool      `mapstructure:"fake"`
	FakeStart time.Time `mapstructure:"fake_start"`
}

// LoggerConfig selects the logger sink(s) wired up (spec.md §6 "logger:
// sink or list of sinks supporting named log events"). The retrieval pack
// carries exactly one concrete loggers.Advanced implementation
// (sirupsen/logrus, via pkg/synclog.Default), so "logrus" is the only
// recognized sink name; an empty list defaults to it.
type LoggerConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// Config is the fully-parsed top-level configuration (spec.md §6).
type Config struct {
	Sources map[string]SourceConfig    `mapstructure:"sources"`
	Target  TargetConfig               `mapstructure:"target"`
	Plans   []PlanGroupConfig          `mapstructure:"plans"`
	Clock   ClockConfig                `mapstructure:"clock"`
	Logger  LoggerConfig               `mapstructure:"logger"`

	Concurrency int `mapstructure:"concurrency"`
}

// Load reads configuration from path (YAML, TOML, or JSON, whatever
// viper's file-extension dispatch recognizes) and from environment
// variables prefixed SYNCWAREHOUSE_, the same SetEnvPrefix +
// AutomaticEnv idiom pgroll's cmd/root.go uses for PGROLL_-prefixed vars.
// An empty path skips file loading and reads only the environment and any
// previously-set viper defaults (used by tests).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCWAREHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("reading config file %s: %w", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("parsing config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-references spec.md §6/SPEC_FULL.md's
// supplement requires at startup, before any goroutine starts: every
// plan group's source_id exists in sources, every engine tag is
// recognized, and every plan group names exactly one provider variant.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("config: at least one source is required"))
	}
	for id, src := range c.Sources {
		if err := validEngine(src.Engine); err != nil {
			return syncerr.New(syncerr.KindConfig, id, "", err)
		}
	}
	if err := validEngine(c.Target.Engine); err != nil {
		return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("target: %w", err))
	}
	for i, pg := range c.Plans {
		if pg.SourceID == "" {
			return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("plans[%d]: source_id is required", i))
		}
		if _, ok := c.Sources[pg.SourceID]; !ok {
			return syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("plans[%d]: source_id %q is not declared in sources", i, pg.SourceID))
		}
		switch pg.Provider {
		case "static":
			if len(pg.Tables) == 0 {
				return syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("plans[%d]: provider \"static\" requires at least one table", i))
			}
		case "all_tables":
			if pg.AllTables == nil {
				return syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("plans[%d]: provider \"all_tables\" requires an all_tables block", i))
			}
		default:
			return syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("plans[%d]: provider must be \"static\" or \"all_tables\", got %q", i, pg.Provider))
		}
	}
	for _, s := range c.Logger.Sinks {
		if s != "logrus" {
			return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("logger: unrecognized sink %q", s))
		}
	}
	return nil
}

func validEngine(engine string) error {
	switch dbadapter.Engine(engine) {
	case dbadapter.MySQL, dbadapter.Postgres:
		return nil
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", dbadapter.MySQL, dbadapter.Postgres, engine)
	}
}

func mysqlDSN(c SourceConfig) string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	charset := c.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true",
		c.User, c.Password, c.Host, port, c.Database, charset)
}

func postgresDSN(c SourceConfig) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, port, c.Database)
}

// dsn builds the connection string NewMySQL/NewPostgres expects from a
// source or target's raw field config (spec.md §6 "{host, port, user,
// password, database, charset?, engine}").
func dsn(c SourceConfig) (string, error) {
	switch dbadapter.Engine(c.Engine) {
	case dbadapter.MySQL:
		return mysqlDSN(c), nil
	case dbadapter.Postgres:
		return postgresDSN(c), nil
	default:
		return "", fmt.Errorf("unrecognized engine %q", c.Engine)
	}
}

// NewAdapter dials the connection described by c, dispatching on its
// Engine tag at construction time only (spec.md §9 Design Note: "dispatch
// at construction time, not at every call site").
func NewAdapter(ctx context.Context, c SourceConfig) (dbadapter.DatabaseAdapter, error) {
	d, err := dsn(c)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", err)
	}
	switch dbadapter.Engine(c.Engine) {
	case dbadapter.MySQL:
		return dbadapter.NewMySQL(ctx, dbadapter.MySQLConfig{DSN: d})
	case dbadapter.Postgres:
		return dbadapter.NewPostgres(ctx, dbadapter.PostgresConfig{DSN: d})
	default:
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("unrecognized engine %q", c.Engine))
	}
}

// NewAdapters dials every configured source and the target, closing
// whatever it already opened if a later one fails, so Load-then-dial
// never leaks connections on a startup error.
func (c *Config) NewAdapters(ctx context.Context) (sources map[string]dbadapter.DatabaseAdapter, target dbadapter.DatabaseAdapter, err error) {
	sources = make(map[string]dbadapter.DatabaseAdapter, len(c.Sources))
	defer func() {
		if err != nil {
			for _, a := range sources {
				a.Close() //nolint:errcheck
			}
			if target != nil {
				target.Close() //nolint:errcheck
			}
		}
	}()

	for id, sc := range c.Sources {
		a, aerr := NewAdapter(ctx, sc)
		if aerr != nil {
			err = fmt.Errorf("source %s: %w", id, aerr)
			return nil, nil, err
		}
		sources[id] = a
	}

	target, err = NewAdapter(ctx, SourceConfig(c.Target))
	if err != nil {
		err = fmt.Errorf("target: %w", err)
		return nil, nil, err
	}
	return sources, target, nil
}

// toTablePlan converts one YAML/JSON table literal into a plan.TablePlan,
// resolving durations and the Columns/RefreshRecent sum types (spec.md §9
// "columns=ALL is a distinguished variant, not a magic value").
func toTablePlan(sourceID string, tc TablePlanConfig) (plan.TablePlan, error) {
	p := plan.TablePlan{
		SourceID:          sourceID,
		TargetTable:       tc.TargetTable,
		SourceTable:       tc.SourceTable,
		TimestampColumn:   tc.TimestampColumn,
		TimestampInMillis: tc.TimestampInMillis,
		Charset:           tc.Charset,
		SourceDSNOverride: tc.SourceDSNOverride,
	}
	if len(tc.Columns) == 0 || (len(tc.Columns) == 1 && tc.Columns[0] == "*") {
		p.Columns = plan.AllColumns()
	} else {
		p.Columns = plan.ColumnList(tc.Columns...)
	}
	if len(tc.Indexes) > 0 {
		p.Indexes = make(map[string]plan.IndexSpec, len(tc.Indexes))
		for name, idx := range tc.Indexes {
			p.Indexes[name] = plan.IndexSpec{Columns: idx.Columns, Unique: idx.Unique}
		}
	}
	rr, err := parseRefreshRecent(tc.RefreshRecent)
	if err != nil {
		return plan.TablePlan{}, err
	}
	p.RefreshRecent = rr
	if tc.RefreshWindow != "" {
		d, err := time.ParseDuration(tc.RefreshWindow)
		if err != nil {
			return plan.TablePlan{}, fmt.Errorf("refresh_window: %w", err)
		}
		p.RefreshWindow = d
	}
	if tc.MaxLagOverride != "" {
		d, err := time.ParseDuration(tc.MaxLagOverride)
		if err != nil {
			return plan.TablePlan{}, fmt.Errorf("max_lag: %w", err)
		}
		p.MaxLagOverride = d
	}
	if err := p.Validate(); err != nil {
		return plan.TablePlan{}, err
	}
	return p, nil
}

func parseRefreshRecent(mode string) (plan.RefreshRecent, error) {
	switch mode {
	case "", "false":
		return plan.RefreshRecent{Mode: plan.RefreshRecentDisabled}, nil
	case "timestamp", "true":
		return plan.RefreshRecent{Mode: plan.RefreshRecentEnabledByTimestamp}, nil
	default:
		return plan.RefreshRecent{Mode: plan.RefreshRecentColumn, Column: mode}, nil
	}
}

// NewProviders builds one plan.Provider per configured plan group, keyed
// by source-id (a source may have more than one plan group; all of a
// source's providers' plans are merged). sourceAdapters supplies the
// SchemaLister each "all_tables" group needs.
func (c *Config) NewProviders(sourceAdapters map[string]dbadapter.DatabaseAdapter) (map[string]plan.Provider, error) {
	bySource := make(map[string][]plan.Provider)
	for i, pg := range c.Plans {
		switch pg.Provider {
		case "static":
			plans := make([]plan.TablePlan, 0, len(pg.Tables))
			for _, tc := range pg.Tables {
				p, err := toTablePlan(pg.SourceID, tc)
				if err != nil {
					return nil, syncerr.New(syncerr.KindConfig, pg.SourceID, tc.TargetTable, fmt.Errorf("plans[%d]: %w", i, err))
				}
				plans = append(plans, p)
			}
			bySource[pg.SourceID] = append(bySource[pg.SourceID], plan.Static(plans...))
		case "all_tables":
			lister, ok := sourceAdapters[pg.SourceID]
			if !ok {
				return nil, syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("plans[%d]: no adapter for source_id %q", i, pg.SourceID))
			}
			at := pg.AllTables
			rr, err := parseRefreshRecent(at.RefreshRecent)
			if err != nil {
				return nil, syncerr.New(syncerr.KindConfig, pg.SourceID, "", err)
			}
			template := plan.TablePlan{
				SourceID:        pg.SourceID,
				TimestampColumn: at.TimestampColumn,
				Columns:         plan.AllColumns(),
				RefreshRecent:   rr,
			}
			if at.RefreshWindow != "" {
				d, err := time.ParseDuration(at.RefreshWindow)
				if err != nil {
					return nil, syncerr.New(syncerr.KindConfig, pg.SourceID, "", fmt.Errorf("all_tables.refresh_window: %w", err))
				}
				template.RefreshWindow = d
			}
			opts := []plan.AllTablesOption{plan.WithTargetPrefix(at.TargetPrefix)}
			if len(at.Exclude) > 0 {
				opts = append(opts, plan.WithExcludedTables(at.Exclude...))
			}
			bySource[pg.SourceID] = append(bySource[pg.SourceID], plan.AllTables(pg.SourceID, lister, template, opts...))
		}
	}

	out := make(map[string]plan.Provider, len(bySource))
	for sourceID, providers := range bySource {
		out[sourceID] = mergedProvider(providers)
	}
	return out, nil
}

// mergedProvider combines several Providers scoped to the same source into
// one, concatenating their plans each cycle. Returned as the providers[0]
// directly when there is only one, avoiding an unnecessary wrapper type in
// the common case of one plan group per source.
func mergedProvider(providers []plan.Provider) plan.Provider {
	if len(providers) == 1 {
		return providers[0]
	}
	return multiProvider(providers)
}

type multiProvider []plan.Provider

func (m multiProvider) Plans(ctx context.Context) ([]plan.TablePlan, error) {
	var out []plan.TablePlan
	for _, p := range m {
		plans, err := p.Plans(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, plans...)
	}
	return out, nil
}

// NewClock builds the engine's time source from c.Clock (spec.md §6
// "clock: injectable source of wall-clock time (for testing)").
func (c ClockConfig) NewClock() clock.Clock {
	if !c.Fake {
		return clock.Real{}
	}
	start := c.FakeStart
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return clock.NewFake(start)
}
