// Package action implements the three state machines spec.md §4.4-§4.6
// drive a table through: a full copy (BatchLoadAction), a delta pull
// (IncrementalLoadAction), and a window delete-and-reload
// (RefreshRecentAction). Each is grounded on spirit's migration.Runner:
// a value type holding the connections/clock/logger it needs, and a single
// Run method that walks its states in order, wrapping every failure in the
// shared syncerr taxonomy instead of returning bare errors (the
// generalization of how runner.go's Run reports a CutOver/copier failure).
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/siddontang/loggers"

	"github.com/syncwarehouse/syncwarehouse/pkg/clock"
	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/dbutil"
	"github.com/syncwarehouse/syncwarehouse/pkg/metrics"
	"github.com/syncwarehouse/syncwarehouse/pkg/pipeline"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/registry"
	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// MaxLag is the safety margin behind batch_start that a BatchLoadAction
// records as its extract_upper_bound (spec.md §4.4, §9 "MAX_LAG"). The
// full-copy extract applies no upper bound filter, so the bound is only
// written to the log.
const MaxLag = 30 * time.Second

// Overlap is subtracted from a watermark before re-querying, to tolerate
// clock skew between the source and the sync host (spec.md §4.4/§4.5
// "OVERLAP").
const Overlap = 1 * time.Minute

// DefaultWindow is RefreshRecentAction's default lookback window
// (spec.md §4.6), overridable per plan via TablePlan.RefreshWindow.
const DefaultWindow = 7 * 24 * time.Hour

// catchUpMaxIterations and catchUpRowThreshold bound BatchLoadAction's
// post-load catch-up loop (spec.md §4.4 post_load): stop once an iteration
// returns fewer rows than the threshold, or after this many iterations
// regardless, so a table with continuous writes can't keep the action
// running forever.
const (
	catchUpMaxIterations        = 10
	catchUpRowThreshold  int64 = 1000
)

// State is one of BatchLoadAction's states (spec.md §4.4).
type State string

const (
	StateIdle      State = "IDLE"
	StatePrepared  State = "PREPARED"
	StateExtracted State = "EXTRACTED"
	StateLoaded    State = "LOADED"
	StateCaughtUp  State = "CAUGHT_UP"
	StateCommitted State = "COMMITTED"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// resolveColumns projects plan's declared column set onto schema, silently
// dropping any column the plan names that is absent from the current
// source schema (spec.md §4.4 "Edge case — source column dropped").
func resolveColumns(cols plan.Columns, schema dbadapter.Schema) []string {
	if cols.IsAll() {
		return schema.ColumnNames()
	}
	return dbutil.IntersectColumns(cols.List(), schema.ColumnNames())
}

// columnsByName indexes schema's columns for an O(1) lookup when building
// a staging table from a resolved column list.
func columnsByName(schema dbadapter.Schema) map[string]dbadapter.ColumnInfo {
	out := make(map[string]dbadapter.ColumnInfo, len(schema.Columns))
	for _, c := range schema.Columns {
		out[c.Name] = c
	}
	return out
}

// resolveIndexes drops any declared index that references a column absent
// from the resolved column list (spec.md §4.4 "Indexes referencing the
// missing column are dropped too").
func resolveIndexes(indexes map[string]plan.IndexSpec, columns []string) map[string][]string {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	out := make(map[string][]string, len(indexes))
	for name, spec := range indexes {
		ok := true
		for _, c := range spec.Columns {
			if !present[c] {
				ok = false
				break
			}
		}
		if ok {
			out[name] = spec.Columns
		}
	}
	return out
}

func withLogger(l loggers.Advanced) loggers.Advanced {
	if l == nil {
		return synclog.Default()
	}
	return l
}

func withClock(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.Real{}
	}
	return c
}

func withMetrics(m metrics.Sink) metrics.Sink {
	if m == nil {
		return metrics.NoopSink{}
	}
	return m
}

func effectiveMaxLag(p plan.TablePlan) time.Duration {
	if p.MaxLagOverride > 0 {
		return p.MaxLagOverride
	}
	return MaxLag
}

func effectiveWindow(p plan.TablePlan) time.Duration {
	if p.RefreshWindow > 0 {
		return p.RefreshWindow
	}
	return DefaultWindow
}

// effectiveOverlap returns the overlap subtracted from a time.Time
// watermark. For millisecond-epoch columns the query builder converts the
// resulting bound to milliseconds, so no scaling is applied here.
func effectiveOverlap(p plan.TablePlan) time.Duration {
	return Overlap
}

func wrapConfig(sourceID, table string, err error) error {
	if err == nil {
		return nil
	}
	return syncerr.New(syncerr.KindConfig, sourceID, table, err)
}

// BatchLoadAction performs spec.md §4.4's full-copy state machine.
type BatchLoadAction struct {
	Source   dbadapter.DatabaseAdapter
	Target   dbadapter.DatabaseAdapter
	Registry registry.TableRegistry
	Clock    clock.Clock
	Logger   loggers.Advanced
	Metrics  metrics.Sink

	// ChunkRows overrides pipeline.DefaultChunkRows; zero means default.
	ChunkRows int
}

func (a *BatchLoadAction) pipe() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Source:    a.Source,
		Target:    a.Target,
		Metrics:   withMetrics(a.Metrics),
		Logger:    withLogger(a.Logger),
		ChunkRows: a.ChunkRows,
	}
}

// Run walks p through IDLE -> ... -> DONE, or FAILED on any error before
// COMMITTED. It returns the final state reached and, on FAILED, the error
// that caused it.
func (a *BatchLoadAction) Run(ctx context.Context, p plan.TablePlan) (State, error) {
	logger := withLogger(a.Logger)
	clk := withClock(a.Clock)
	staging := p.StagingTableName()
	event := func(step string) string { return synclog.Event("batch", step, p.TargetTable) }

	// do_prepare
	logger.Infof("%s: preparing", event("prepare"))
	if err := a.Target.ConnectionReset(ctx); err != nil {
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("do_prepare: resetting target connection: %w", err))
	}
	sourceSchema, err := a.Source.TableSchema(ctx, p.SourceTable)
	if err != nil {
		return StateFailed, fmt.Errorf("do_prepare: %w", err) // already KindNoSuchTable from the adapter; no staging table was created
	}
	columns := resolveColumns(p.Columns, sourceSchema)
	if len(columns) == 0 {
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("do_prepare: no columns resolved against source schema"))
	}
	if err := a.Target.DropTableIfExists(ctx, staging); err != nil {
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("do_prepare: dropping leftover staging table: %w", err))
	}
	if _, err := a.Target.TableSchema(ctx, p.TargetTable); err == nil {
		if err := a.Target.CreateStagingLike(ctx, p.TargetTable, staging); err != nil {
			return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("do_prepare: cloning live table: %w", err))
		}
	} else {
		byName := columnsByName(sourceSchema)
		cols := make([]dbadapter.ColumnInfo, 0, len(columns))
		for _, name := range columns {
			cols = append(cols, byName[name])
		}
		if err := a.Target.CreateTableFromColumns(ctx, staging, cols, sourceSchema.PrimaryKey); err != nil {
			return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("do_prepare: creating staging table from source schema: %w", err))
		}
	}
	state := StatePrepared
	logger.Debugf("%s: state=%s", event("state"), state)

	// extract_data / load_data (merged in the chunked pipeline)
	batchStart := clk.Now()
	extractUpperBound := batchStart.Add(-effectiveMaxLag(p))
	// extractUpperBound is recorded for logging only; the extract itself is an unbounded full copy (spec.md §4.4)
	logger.Infof("%s: extracting full copy (batch_start=%s, extract_upper_bound=%s)", event("extract"), batchStart.Format(time.RFC3339), extractUpperBound.Format(time.RFC3339))
	q := dbadapter.ExtractQuery{Table: p.SourceTable, Columns: columns, TimestampColumn: p.EffectiveTimestampColumn(), TimestampInMillis: p.TimestampInMillis}
	if _, err := a.pipe().Run(ctx, "batch", p.SourceID, q, staging, columns); err != nil {
		a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
		return StateFailed, err
	}
	state = StateLoaded
	logger.Debugf("%s: state=%s", event("state"), state)

	// post_load catch-up
	lastRowAt, hasRow, err := a.Target.MaxTimestamp(ctx, staging, p.EffectiveTimestampColumn())
	if err != nil {
		a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("post_load: reading staging watermark: %w", err))
	}
	overlap := effectiveOverlap(p)
	for i := 0; hasRow && i < catchUpMaxIterations; i++ {
		lower := lastRowAt.Add(-overlap)
		cq := dbadapter.ExtractQuery{
			Table: p.SourceTable, Columns: columns, TimestampColumn: p.EffectiveTimestampColumn(),
			Since: lower, HasSince: true, TimestampInMillis: p.TimestampInMillis,
		}
		result, err := a.pipe().Run(ctx, "batch_catchup", p.SourceID, cq, staging, columns)
		if err != nil {
			a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
			return StateFailed, err
		}
		logger.Infof("%s: catch-up iteration %d pulled %d row(s)", event("catchup"), i, result.RowsExtracted)
		if result.RowsExtracted < catchUpRowThreshold {
			break
		}
		newMax, has, err := a.Target.MaxTimestamp(ctx, staging, p.EffectiveTimestampColumn())
		if err != nil {
			a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
			return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("post_load: re-reading staging watermark: %w", err))
		}
		if has {
			lastRowAt = newMax
		}
	}
	state = StateCaughtUp
	logger.Debugf("%s: state=%s", event("state"), state)

	// commit
	if err := a.Target.EnsureIndexes(ctx, staging, resolveIndexes(p.Indexes, columns)); err != nil {
		a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("commit: creating indexes: %w", err))
	}
	if err := a.Target.SwitchTable(ctx, p.TargetTable, staging); err != nil {
		a.Target.DropTableIfExists(ctx, staging) //nolint:errcheck
		return StateFailed, wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("commit: switching table: %w", err))
	}
	state = StateCommitted
	logger.Debugf("%s: state=%s", event("state"), state)

	// Past this point the action is committed even if bookkeeping below
	// fails (spec.md §4.4 failure policy); registry writes are idempotent
	// and a future cycle retries them.
	meta := registry.SyncMetadata{
		SourceID: p.SourceID, TargetTable: p.TargetTable,
		LastSyncedAt: clk.Now(), HasSynced: true,
		LastBatchAt: batchStart, HasBatch: true,
	}
	if finalMax, has, err := a.Target.MaxTimestamp(ctx, p.TargetTable, p.EffectiveTimestampColumn()); err == nil && has {
		meta.LastRowAt, meta.HasRow = finalMax, true
	} else if err != nil {
		logger.Warnf("%s: could not read post-commit watermark: %v", event("commit"), err)
	}
	if hash, err := a.Source.HashSchema(ctx, p.SourceTable); err == nil {
		meta.SchemaHash = hash
	}
	if err := a.Registry.Set(ctx, meta); err != nil {
		logger.Errorf("%s: registry update failed after commit, will retry next cycle: %v", event("commit"), err)
	}

	withMetrics(a.Metrics).IncSuccess("batch", p.SourceID, p.TargetTable)
	logger.Infof("%s: done", event("done"))
	return StateDone, nil
}

// IncrementalLoadAction performs spec.md §4.5's delta pull driven by a
// registry watermark.
type IncrementalLoadAction struct {
	Source   dbadapter.DatabaseAdapter
	Target   dbadapter.DatabaseAdapter
	Registry registry.TableRegistry
	Clock    clock.Clock
	Logger   loggers.Advanced
	Metrics  metrics.Sink

	ChunkRows int
}

func (a *IncrementalLoadAction) pipe() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Source:    a.Source,
		Target:    a.Target,
		Metrics:   withMetrics(a.Metrics),
		Logger:    withLogger(a.Logger),
		ChunkRows: a.ChunkRows,
	}
}

// Run requires p to already have SyncMetadata with a valid last_row_at
// (i.e. a BatchLoadAction has committed at least once); it returns a
// syncerr.KindConfig error otherwise.
func (a *IncrementalLoadAction) Run(ctx context.Context, p plan.TablePlan) error {
	logger := withLogger(a.Logger)
	clk := withClock(a.Clock)
	if err := a.Target.ConnectionReset(ctx); err != nil {
		return wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("incremental: resetting target connection: %w", err))
	}
	meta, ok, err := a.Registry.Get(ctx, p.SourceID, p.TargetTable)
	if err != nil {
		return err
	}
	if !ok || !meta.HasRow {
		return wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("incremental load requires existing sync metadata with last_row_at; run a batch load first"))
	}

	sourceSchema, err := a.Source.TableSchema(ctx, p.SourceTable)
	if err != nil {
		return fmt.Errorf("incremental: %w", err)
	}
	columns := resolveColumns(p.Columns, sourceSchema)

	lower := meta.LastRowAt.Add(-effectiveOverlap(p))
	q := dbadapter.ExtractQuery{
		Table: p.SourceTable, Columns: columns, TimestampColumn: p.EffectiveTimestampColumn(),
		Since: lower, HasSince: true, TimestampInMillis: p.TimestampInMillis,
	}
	result, err := a.pipe().Run(ctx, "incremental", p.SourceID, q, p.TargetTable, columns)
	if err != nil {
		return err
	}

	newMeta := meta
	newMeta.LastSyncedAt, newMeta.HasSynced = clk.Now(), true
	if newMax, has, err := a.Target.MaxTimestamp(ctx, p.TargetTable, p.EffectiveTimestampColumn()); err == nil && has && newMax.After(meta.LastRowAt) {
		newMeta.LastRowAt = newMax
	}
	if err := a.Registry.Set(ctx, newMeta); err != nil {
		return wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("incremental: updating registry: %w", err))
	}

	logger.Infof("%s: pulled %d row(s) since %s", synclog.Event("incremental", p.TargetTable), result.RowsExtracted, lower.Format(time.RFC3339))
	withMetrics(a.Metrics).IncSuccess("incremental", p.SourceID, p.TargetTable)
	return nil
}

// RefreshRecentAction performs spec.md §4.6's window delete-and-reload,
// the mechanism by which source-side deletes propagate to the target.
type RefreshRecentAction struct {
	Source   dbadapter.DatabaseAdapter
	Target   dbadapter.DatabaseAdapter
	Registry registry.TableRegistry
	Clock    clock.Clock
	Logger   loggers.Advanced
	Metrics  metrics.Sink

	ChunkRows int
}

func (a *RefreshRecentAction) pipe() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Source:    a.Source,
		Target:    a.Target,
		Metrics:   withMetrics(a.Metrics),
		Logger:    withLogger(a.Logger),
		ChunkRows: a.ChunkRows,
	}
}

// Run is a no-op (nil error) when p has refresh-recent disabled, so
// callers can invoke it unconditionally across a plan list.
func (a *RefreshRecentAction) Run(ctx context.Context, p plan.TablePlan) error {
	if p.RefreshRecent.Disabled() {
		return nil
	}
	logger := withLogger(a.Logger)
	clk := withClock(a.Clock)

	filterColumn := p.RefreshRecent.FilterColumn(p.EffectiveTimestampColumn())
	since := clk.Now().Add(-effectiveWindow(p))
	until := clk.Now()

	if _, err := a.Target.DeleteWindow(ctx, p.TargetTable, filterColumn, since, until); err != nil {
		return wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("refresh_recent: deleting window: %w", err))
	}

	sourceSchema, err := a.Source.TableSchema(ctx, p.SourceTable)
	if err != nil {
		return fmt.Errorf("refresh_recent: %w", err)
	}
	columns := resolveColumns(p.Columns, sourceSchema)
	q := dbadapter.ExtractQuery{
		Table: p.SourceTable, Columns: columns, TimestampColumn: filterColumn,
		Since: since, HasSince: true, Until: until, HasUntil: true, TimestampInMillis: p.TimestampInMillis,
	}
	result, err := a.pipe().Run(ctx, "refresh_recent", p.SourceID, q, p.TargetTable, columns)
	if err != nil {
		return err
	}

	meta, _, err := a.Registry.Get(ctx, p.SourceID, p.TargetTable)
	if err != nil {
		return err
	}
	meta.SourceID, meta.TargetTable = p.SourceID, p.TargetTable
	meta.LastSyncedAt, meta.HasSynced = clk.Now(), true
	meta.LastRefreshAt, meta.HasRefresh = clk.Now(), true
	if err := a.Registry.Set(ctx, meta); err != nil {
		return wrapConfig(p.SourceID, p.TargetTable, fmt.Errorf("refresh_recent: updating registry: %w", err))
	}

	logger.Infof("%s: reloaded %d row(s) in window [%s, %s)", synclog.Event("refresh_recent", p.TargetTable), result.RowsExtracted, since.Format(time.RFC3339), until.Format(time.RFC3339))
	withMetrics(a.Metrics).IncSuccess("refresh_recent", p.SourceID, p.TargetTable)
	return nil
}
