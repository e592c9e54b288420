// Package dbadapter is the per-engine capability layer: everything the
// pipeline, registry, and action packages need from a source or target
// connection, behind one interface so the rest of the module never
// branches on "mysql vs postgres" itself. This mirrors how spirit draws a
// line between pkg/dbconn (connection plumbing) and pkg/table/pkg/migration
// (what you do with a connection) — here both sides of that line are
// collapsed into one capability interface because, unlike spirit, this
// module must support two wire-incompatible engines behind the same call
// sites.
package dbadapter

import (
	"context"
	"database/sql"
	"time"
)

// Engine identifies which concrete adapter a DSN belongs to.
type Engine string

const (
	MySQL    Engine = "mysql"
	Postgres Engine = "postgres"
)

// ColumnInfo describes one column of a table as reported by the adapter's
// schema introspection.
type ColumnInfo struct {
	Name string
	Type string
}

// Schema is a table's column list and primary key, resolved from the live
// database at plan-resolution time (spec.md §3: "when ALL, the projection
// is materialized from source schema before any query is issued").
type Schema struct {
	Columns    []ColumnInfo
	PrimaryKey []string
}

// ColumnNames returns just the column names, in schema order.
func (s Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// ExtractQuery describes a bulk read against a source table (spec.md §4.3
// / §4.5 / §4.6: batch copy, incremental window, refresh-recent window).
type ExtractQuery struct {
	Table   string
	Columns []string // resolved, never plan.Columns' ALL sentinel

	// Since/Until bound an incremental or refresh-recent window on
	// TimestampColumn when HasSince/HasUntil are set; with neither flag set
	// the extract is unbounded (batch copy).
	TimestampColumn   string
	Since             time.Time
	Until             time.Time
	HasSince          bool
	HasUntil          bool
	TimestampInMillis bool
}

// DatabaseAdapter is the capability surface spec.md §4 components are
// built against. A concrete adapter owns exactly one *sql.DB-equivalent
// connection pool to exactly one source or target database.
type DatabaseAdapter interface {
	Engine() Engine

	// ListTables enumerates every table in the adapter's configured
	// schema; it also satisfies plan.SchemaLister for an AllTables
	// provider.
	ListTables(ctx context.Context) ([]string, error)

	// TableSchema resolves a table's live column list and primary key.
	TableSchema(ctx context.Context, table string) (Schema, error)

	// HashSchema returns a short fingerprint of a table's column names and
	// native types; primary keys are not part of it (SPEC_FULL.md §4.2
	// supplement). BatchLoadAction stores it in the registry; nothing
	// compares it against an earlier fingerprint.
	HashSchema(ctx context.Context, table string) (string, error)

	// ExtractToFile runs q against the adapter's database and writes the
	// matched rows to a newly created file at path, in the adapter's
	// native bulk-load format (spec.md §6/§7: subprocess contract).
	ExtractToFile(ctx context.Context, q ExtractQuery, path string) error

	// LoadFromFile bulk loads path's rows into targetTable (spec.md
	// §4.3/§6/§7).
	LoadFromFile(ctx context.Context, targetTable string, columns []string, path string) error

	// CreateStagingLike creates a new, empty staging table with the same
	// schema as liveTable (spec.md §3 StagingTable), dropping any
	// preexisting staging table of the same name first.
	CreateStagingLike(ctx context.Context, liveTable, stagingTable string) error

	// CreateTableFromColumns creates table (dropping any preexisting table
	// of the same name first) with the given columns and primary key,
	// mapping each column's native type (possibly reported by the other
	// engine's adapter) onto this adapter's closest equivalent. Used for a
	// BatchLoadAction's very first run, before any live target table
	// exists for CreateStagingLike to clone (SPEC_FULL.md §4.4
	// supplement).
	CreateTableFromColumns(ctx context.Context, table string, cols []ColumnInfo, primaryKey []string) error

	// DropTableIfExists drops a table, tolerating its absence.
	DropTableIfExists(ctx context.Context, table string) error

	// SwitchTable atomically replaces liveTable's contents with
	// stagingTable's, leaving stagingTable dropped (spec.md §4.4 step 6:
	// "the staging table becomes the live table").
	SwitchTable(ctx context.Context, liveTable, stagingTable string) error

	// AddColumn adds a column to table if it is not already present
	// (SPEC_FULL.md §4.2 supplement: narrow schema drift tolerance).
	AddColumn(ctx context.Context, table string, col ColumnInfo) error

	// EnsureIndexes creates any of the given indexes not already present
	// on table and leaves others untouched.
	EnsureIndexes(ctx context.Context, table string, indexes map[string][]string) error

	// DeleteWindow deletes rows from table where column falls in
	// [since, until) (spec.md §4.6 RefreshRecentAction step 2).
	DeleteWindow(ctx context.Context, table, column string, since, until time.Time) (int64, error)

	// MaxTimestamp returns the maximum value of column in table, used to
	// seed IncrementalLoadAction's watermark (spec.md §4.5).
	MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error)

	// RowCount returns an approximate or exact row count for table.
	// Manager.Status does not call it.
	RowCount(ctx context.Context, table string) (int64, error)

	// Exec runs a single statement with no result rows, e.g. for registry
	// bootstrap DDL.
	Exec(ctx context.Context, query string, args ...any) error

	// Query runs a statement that returns rows, e.g. for the registry's
	// own storage reads. It uses database/sql directly rather than a
	// narrower, registry-specific method, since the registry is the only
	// caller that needs ad hoc SELECTs against arbitrary adapter-owned
	// tables.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// WithAdvisoryLock runs fn while holding an exclusive, named advisory
	// lock (GET_LOCK on MySQL, pg_advisory_xact_lock on Postgres), used
	// by the registry to serialize idempotent bootstrap across processes
	// (SPEC_FULL.md §4.1 supplement).
	WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error

	// ConnectionReset closes and reopens the adapter's underlying
	// connection pool. spec.md §4.2 requires this immediately before any
	// query a load-bearing operation issues, so a connection gone stale
	// since the adapter was dialed (an idle-timeout drop, a failed-over
	// proxy) never surfaces as a query error mid-action.
	ConnectionReset(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}
