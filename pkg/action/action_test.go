package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwarehouse/syncwarehouse/pkg/clock"
	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/registry"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// stubAdapter is a hand-rolled, in-memory dbadapter.DatabaseAdapter: the
// retrieval pack carries no sqlmock-style library, so exercising
// action.go's call sequencing means faking the interface directly rather
// than a live connection.
type stubAdapter struct {
	dbadapter.DatabaseAdapter
	engine dbadapter.Engine

	schema    dbadapter.Schema
	schemaErr error

	hasMaxTS bool
	maxTS    time.Time
	maxTSErr error

	rowsPerExtract []int64
	extractCall    int

	loadCalls        []string
	droppedTables    []string
	createdTables    []string
	switchCalls      [][2]string
	deleteWindowCall int
	indexesEnsured   map[string][]string
	hashSchema       string
	resetCalls       int
}

func (s *stubAdapter) Engine() dbadapter.Engine { return s.engine }

func (s *stubAdapter) ConnectionReset(context.Context) error { s.resetCalls++; return nil }

func (s *stubAdapter) TableSchema(_ context.Context, _ string) (dbadapter.Schema, error) {
	return s.schema, s.schemaErr
}

func (s *stubAdapter) HashSchema(_ context.Context, _ string) (string, error) {
	return s.hashSchema, nil
}

func (s *stubAdapter) ExtractToFile(_ context.Context, _ dbadapter.ExtractQuery, path string) error {
	n := int64(0)
	if len(s.rowsPerExtract) > 0 {
		i := s.extractCall
		if i >= len(s.rowsPerExtract) {
			i = len(s.rowsPerExtract) - 1
		}
		n = s.rowsPerExtract[i]
	}
	s.extractCall++
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for i := int64(0); i < n; i++ {
		fmt.Fprintln(f, "row")
	}
	return nil
}

func (s *stubAdapter) LoadFromFile(_ context.Context, _ string, _ []string, path string) error {
	s.loadCalls = append(s.loadCalls, path)
	return nil
}

func (s *stubAdapter) DropTableIfExists(_ context.Context, table string) error {
	s.droppedTables = append(s.droppedTables, table)
	return nil
}

func (s *stubAdapter) CreateStagingLike(_ context.Context, _, stagingTable string) error {
	s.createdTables = append(s.createdTables, stagingTable)
	return nil
}

func (s *stubAdapter) CreateTableFromColumns(_ context.Context, table string, _ []dbadapter.ColumnInfo, _ []string) error {
	s.createdTables = append(s.createdTables, table)
	return nil
}

func (s *stubAdapter) SwitchTable(_ context.Context, liveTable, stagingTable string) error {
	s.switchCalls = append(s.switchCalls, [2]string{liveTable, stagingTable})
	return nil
}

func (s *stubAdapter) EnsureIndexes(_ context.Context, _ string, indexes map[string][]string) error {
	s.indexesEnsured = indexes
	return nil
}

func (s *stubAdapter) MaxTimestamp(_ context.Context, _, _ string) (time.Time, bool, error) {
	return s.maxTS, s.hasMaxTS, s.maxTSErr
}

func (s *stubAdapter) DeleteWindow(_ context.Context, _, _ string, _, _ time.Time) (int64, error) {
	s.deleteWindowCall++
	return 0, nil
}

// fakeRegistry is a sync.Mutex-guarded in-memory registry.TableRegistry.
type fakeRegistry struct {
	mu   sync.Mutex
	data map[string]registry.SyncMetadata
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{data: map[string]registry.SyncMetadata{}} }

func regKey(sourceID, table string) string { return sourceID + "|" + table }

func (f *fakeRegistry) EnsureStorageExists(context.Context) error { return nil }

func (f *fakeRegistry) Get(_ context.Context, sourceID, targetTable string) (registry.SyncMetadata, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.data[regKey(sourceID, targetTable)]
	return m, ok, nil
}

func (f *fakeRegistry) Set(_ context.Context, meta registry.SyncMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[regKey(meta.SourceID, meta.TargetTable)] = meta
	return nil
}

func (f *fakeRegistry) Delete(_ context.Context, sourceID, targetTable string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, regKey(sourceID, targetTable))
	return nil
}

func (f *fakeRegistry) All(context.Context) ([]registry.SyncMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.SyncMetadata, 0, len(f.data))
	for _, m := range f.data {
		out = append(out, m)
	}
	return out, nil
}

func testPlan() plan.TablePlan {
	return plan.TablePlan{
		SourceID:        "src1",
		SourceTable:     "orders",
		TargetTable:     "orders",
		Columns:         plan.AllColumns(),
		TimestampColumn: "updated_at",
	}
}

func testSchema() dbadapter.Schema {
	return dbadapter.Schema{
		Columns: []dbadapter.ColumnInfo{
			{Name: "id", Type: "int"},
			{Name: "updated_at", Type: "datetime"},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestBatchLoadActionFirstRunCommits(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	src := &stubAdapter{engine: dbadapter.MySQL, schema: testSchema(), rowsPerExtract: []int64{5, 2}, hashSchema: "hash123"}
	tgt := &stubAdapter{
		engine:    dbadapter.MySQL,
		schemaErr: syncerr.New(syncerr.KindNoSuchTable, "src1", "orders", fmt.Errorf("no live table yet")),
		hasMaxTS:  true,
		maxTS:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	reg := newFakeRegistry()
	a := &BatchLoadAction{Source: src, Target: tgt, Registry: reg, Clock: clock.NewFake(time.Now())}

	state, err := a.Run(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)

	assert.Contains(t, tgt.createdTables, "new_orders")
	require.Len(t, tgt.switchCalls, 1)
	assert.Equal(t, [2]string{"orders", "new_orders"}, tgt.switchCalls[0])

	meta, ok, err := reg.Get(context.Background(), "src1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.HasBatch)
	assert.True(t, meta.HasRow)
	assert.True(t, meta.HasSynced)
	assert.Equal(t, "hash123", meta.SchemaHash)
	assert.Equal(t, 1, tgt.resetCalls, "do_prepare must reset the target connection exactly once")
}

func TestBatchLoadActionSourceTableMissingFailsFast(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	src := &stubAdapter{engine: dbadapter.MySQL, schemaErr: syncerr.New(syncerr.KindNoSuchTable, "src1", "orders", fmt.Errorf("no such table"))}
	tgt := &stubAdapter{engine: dbadapter.MySQL}
	reg := newFakeRegistry()
	a := &BatchLoadAction{Source: src, Target: tgt, Registry: reg}

	state, err := a.Run(context.Background(), testPlan())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, tgt.createdTables, "staging table must not be created when the source table is missing")
}

func TestIncrementalLoadActionRequiresPriorBatch(t *testing.T) {
	src := &stubAdapter{engine: dbadapter.MySQL, schema: testSchema()}
	tgt := &stubAdapter{engine: dbadapter.MySQL}
	a := &IncrementalLoadAction{Source: src, Target: tgt, Registry: newFakeRegistry()}

	err := a.Run(context.Background(), testPlan())
	require.Error(t, err)
	var se *syncerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, syncerr.KindConfig, se.Kind)
}

func TestIncrementalLoadActionPullsSinceWatermark(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	reg := newFakeRegistry()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Set(context.Background(), registry.SyncMetadata{
		SourceID: "src1", TargetTable: "orders", LastRowAt: start, HasRow: true,
	}))

	src := &stubAdapter{engine: dbadapter.MySQL, schema: testSchema(), rowsPerExtract: []int64{7}}
	tgt := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: start.Add(time.Hour)}
	a := &IncrementalLoadAction{Source: src, Target: tgt, Registry: reg}

	err := a.Run(context.Background(), testPlan())
	require.NoError(t, err)
	require.Len(t, tgt.loadCalls, 1)

	meta, ok, err := reg.Get(context.Background(), "src1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), meta.LastRowAt)
	assert.True(t, meta.HasSynced)
	assert.Equal(t, 1, tgt.resetCalls, "incremental load must reset the target connection exactly once")
}

func TestRefreshRecentActionDisabledIsNoop(t *testing.T) {
	src := &stubAdapter{engine: dbadapter.MySQL}
	tgt := &stubAdapter{engine: dbadapter.MySQL}
	a := &RefreshRecentAction{Source: src, Target: tgt, Registry: newFakeRegistry()}

	p := testPlan()
	p.RefreshRecent = plan.RefreshRecent{Mode: plan.RefreshRecentDisabled}
	require.NoError(t, a.Run(context.Background(), p))
	assert.Zero(t, tgt.deleteWindowCall)
}

func TestRefreshRecentActionReloadsWindow(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	src := &stubAdapter{engine: dbadapter.MySQL, schema: testSchema(), rowsPerExtract: []int64{4}}
	tgt := &stubAdapter{engine: dbadapter.MySQL}
	reg := newFakeRegistry()
	a := &RefreshRecentAction{Source: src, Target: tgt, Registry: reg, Clock: clock.NewFake(time.Now())}

	p := testPlan()
	p.RefreshRecent = plan.RefreshRecent{Mode: plan.RefreshRecentEnabledByTimestamp}
	require.NoError(t, a.Run(context.Background(), p))

	assert.Equal(t, 1, tgt.deleteWindowCall)
	require.Len(t, tgt.loadCalls, 1)

	meta, ok, err := reg.Get(context.Background(), "src1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.HasRefresh)
	assert.True(t, meta.HasSynced)
}
