// Package registry stores per-table sync progress on the target warehouse
// (spec.md §3 SyncMetadata / TableRegistry), in a `meta_last_sync_times`
// table. The bootstrap-under-lock idiom is grounded on xataio-pgroll's
// pkg/state.State.Init: take an advisory lock, then run idempotent
// CREATE ... IF NOT EXISTS DDL, so concurrent Manager processes racing to
// start up never collide.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

const tableName = "meta_last_sync_times"

// SyncMetadata is the durable, per-(source,table) progress record spec.md
// §3 describes: enough to resume a batch, incremental, or refresh-recent
// cycle after a restart without redoing work already committed.
type SyncMetadata struct {
	SourceID    string
	TargetTable string

	// LastSyncedAt is the wall-clock instant of any successful sync, set
	// by every Action kind on a successful run (spec.md §3/§4.4/§4.5/§4.6:
	// "last_synced_at = now"). The invariant last_batch_synced_at <=
	// last_synced_at follows from both being stamped from the same clock:
	// LastBatchAt before the extract starts, LastSyncedAt after the commit.
	LastSyncedAt time.Time
	HasSynced    bool

	// LastBatchAt is the batch_start of the last successful
	// BatchLoadAction: the clock reading taken just before its full-copy
	// extract began (spec.md §4.4).
	LastBatchAt time.Time
	HasBatch    bool

	// LastRowAt is the maximum TimestampColumn value loaded so far,
	// IncrementalLoadAction's watermark (spec.md §4.5).
	LastRowAt time.Time
	HasRow    bool

	// LastRefreshAt is the time the last RefreshRecentAction completed
	// (spec.md §4.6).
	LastRefreshAt time.Time
	HasRefresh    bool

	// SchemaHash is the source schema fingerprint (dbadapter.HashSchema)
	// recorded by the last successful BatchLoadAction (SPEC_FULL.md §4.2
	// supplement). It is stored only; nothing compares it to a later one.
	SchemaHash string
}

// TableRegistry is the capability pipeline/action/manager code needs to
// read and update sync progress; an interface so tests can substitute an
// in-memory fake instead of a live warehouse connection.
type TableRegistry interface {
	EnsureStorageExists(ctx context.Context) error
	Get(ctx context.Context, sourceID, targetTable string) (SyncMetadata, bool, error)
	Set(ctx context.Context, meta SyncMetadata) error
	Delete(ctx context.Context, sourceID, targetTable string) error
	All(ctx context.Context) ([]SyncMetadata, error)
}

// dbRegistry is the production TableRegistry, backed by a single row per
// (source_id, target_table) in the target warehouse.
type dbRegistry struct {
	target dbadapter.DatabaseAdapter
}

// New returns a TableRegistry backed by target.
func New(target dbadapter.DatabaseAdapter) TableRegistry {
	return &dbRegistry{target: target}
}

func (r *dbRegistry) EnsureStorageExists(ctx context.Context) error {
	return r.target.WithAdvisoryLock(ctx, "syncwarehouse_registry_bootstrap", func(ctx context.Context) error {
		var ddl string
		switch r.target.Engine() {
		case dbadapter.Postgres:
			ddl = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
				source_id       TEXT NOT NULL,
				target_table    TEXT NOT NULL,
				last_synced_at  TIMESTAMP,
				last_batch_at   TIMESTAMP,
				last_row_at     TIMESTAMP,
				last_refresh_at TIMESTAMP,
				schema_hash     TEXT,
				PRIMARY KEY (source_id, target_table)
			)`
		default: // MySQL
			ddl = "CREATE TABLE IF NOT EXISTS `" + tableName + "` (" +
				"source_id VARCHAR(128) NOT NULL, " +
				"target_table VARCHAR(128) NOT NULL, " +
				"last_synced_at DATETIME NULL, " +
				"last_batch_at DATETIME NULL, " +
				"last_row_at DATETIME NULL, " +
				"last_refresh_at DATETIME NULL, " +
				"schema_hash VARCHAR(64) NULL, " +
				"PRIMARY KEY (source_id, target_table))"
		}
		return r.target.Exec(ctx, ddl)
	})
}

func (r *dbRegistry) Get(ctx context.Context, sourceID, targetTable string) (SyncMetadata, bool, error) {
	all, err := r.All(ctx)
	if err != nil {
		return SyncMetadata{}, false, err
	}
	for _, m := range all {
		if m.SourceID == sourceID && m.TargetTable == targetTable {
			return m, true, nil
		}
	}
	return SyncMetadata{}, false, nil
}

// All returns every registry row. The registry is expected to stay small
// (one row per configured table), so a full scan per call is acceptable
// and keeps Get/All from needing two different query shapes.
func (r *dbRegistry) All(ctx context.Context) ([]SyncMetadata, error) {
	rows, err := r.target.Query(ctx,
		"SELECT source_id, target_table, last_synced_at, last_batch_at, last_row_at, last_refresh_at, schema_hash FROM "+quotedTable(r.target))
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", err)
	}
	defer rows.Close()

	var out []SyncMetadata
	for rows.Next() {
		var m SyncMetadata
		var lastSynced, lastBatch, lastRow, lastRefresh sql.NullTime
		var schemaHash sql.NullString
		if err := rows.Scan(&m.SourceID, &m.TargetTable, &lastSynced, &lastBatch, &lastRow, &lastRefresh, &schemaHash); err != nil {
			return nil, syncerr.New(syncerr.KindConfig, "", "", err)
		}
		m.LastSyncedAt, m.HasSynced = lastSynced.Time, lastSynced.Valid
		m.LastBatchAt, m.HasBatch = lastBatch.Time, lastBatch.Valid
		m.LastRowAt, m.HasRow = lastRow.Time, lastRow.Valid
		m.LastRefreshAt, m.HasRefresh = lastRefresh.Time, lastRefresh.Valid
		m.SchemaHash = schemaHash.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *dbRegistry) Set(ctx context.Context, meta SyncMetadata) error {
	var stmt string
	switch r.target.Engine() {
	case dbadapter.Postgres:
		stmt = fmt.Sprintf(`
			INSERT INTO %s (source_id, target_table, last_synced_at, last_batch_at, last_row_at, last_refresh_at, schema_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (source_id, target_table) DO UPDATE SET
				last_synced_at = EXCLUDED.last_synced_at,
				last_batch_at = EXCLUDED.last_batch_at,
				last_row_at = EXCLUDED.last_row_at,
				last_refresh_at = EXCLUDED.last_refresh_at,
				schema_hash = EXCLUDED.schema_hash`, quotedTable(r.target))
	default:
		stmt = fmt.Sprintf("REPLACE INTO %s (source_id, target_table, last_synced_at, last_batch_at, last_row_at, last_refresh_at, schema_hash) VALUES (?, ?, ?, ?, ?, ?, ?)",
			quotedTable(r.target))
	}
	return r.target.Exec(ctx, stmt,
		meta.SourceID, meta.TargetTable,
		orNilTime(meta.LastSyncedAt, meta.HasSynced),
		orNilTime(meta.LastBatchAt, meta.HasBatch),
		orNilTime(meta.LastRowAt, meta.HasRow),
		orNilTime(meta.LastRefreshAt, meta.HasRefresh),
		orNilString(meta.SchemaHash))
}

func (r *dbRegistry) Delete(ctx context.Context, sourceID, targetTable string) error {
	var stmt string
	if r.target.Engine() == dbadapter.Postgres {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE source_id = $1 AND target_table = $2", quotedTable(r.target))
	} else {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE source_id = ? AND target_table = ?", quotedTable(r.target))
	}
	return r.target.Exec(ctx, stmt, sourceID, targetTable)
}

func quotedTable(a dbadapter.DatabaseAdapter) string {
	if a.Engine() == dbadapter.Postgres {
		return tableName
	}
	return "`" + tableName + "`"
}

func orNilTime(t time.Time, has bool) any {
	if !has {
		return nil
	}
	return t
}

func orNilString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
