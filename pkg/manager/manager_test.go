package manager

import (
	"context"
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
)

// stubAdapter is the same hand-rolled in-memory dbadapter.DatabaseAdapter
// shape used by pkg/action's tests: the retrieval pack has no sqlmock-style
// library, so manager-level tests fake the interface directly.
type stubAdapter struct {
	dbadapter.DatabaseAdapter
	engine dbadapter.Engine

	mu         sync.Mutex
	schemaErr  error
	extractErr error
	hasMaxTS   bool
	maxTS      time.Time
	loadCalls  int
}

func (s *stubAdapter) Engine() dbadapter.Engine { return s.engine }

func (s *stubAdapter) ConnectionReset(context.Context) error { return nil }

func (s *stubAdapter) TableSchema(_ context.Context, _ string) (dbadapter.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaErr != nil {
		return dbadapter.Schema{}, s.schemaErr
	}
	return dbadapter.Schema{
		Columns:    []dbadapter.ColumnInfo{{Name: "id", Type: "int"}, {Name: "updated_at", Type: "datetime"}},
		PrimaryKey: []string{"id"},
	}, nil
}

func (s *stubAdapter) HashSchema(_ context.Context, _ string) (string, error) { return "h", nil }

func (s *stubAdapter) ExtractToFile(_ context.Context, _ dbadapter.ExtractQuery, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extractErr != nil {
		return s.extractErr
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *stubAdapter) LoadFromFile(_ context.Context, _ string, _ []string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	return nil
}

func (s *stubAdapter) DropTableIfExists(context.Context, string) error        { return nil }
func (s *stubAdapter) CreateStagingLike(context.Context, string, string) error { return nil }
func (s *stubAdapter) CreateTableFromColumns(context.Context, string, []dbadapter.ColumnInfo, []string) error {
	return nil
}
func (s *stubAdapter) SwitchTable(context.Context, string, string) error { return nil }
func (s *stubAdapter) EnsureIndexes(context.Context, string, map[string][]string) error {
	return nil
}
func (s *stubAdapter) MaxTimestamp(_ context.Context, _, _ string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTS, s.hasMaxTS, nil
}
func (s *stubAdapter) DeleteWindow(context.Context, string, string, time.Time, time.Time) (int64, error) {
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

func testPlan(sourceID, table string) plan.TablePlan {
	return plan.TablePlan{
		SourceID: sourceID, SourceTable: table, TargetTable: table,
		Columns: plan.AllColumns(), TimestampColumn: "updated_at",
	}
}

func TestBatchNonactiveRunsAcrossSources(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	reg := newFakeRegistry()
	src1 := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: time.Now()}
	src2 := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: time.Now()}
	tgt := &stubAdapter{engine: dbadapter.MySQL, schemaErr: fmt.Errorf("no live table yet")}

	m := &Manager{
		Target:   tgt,
		Registry: reg,
		Sources: []Source{
			{ID: "src1", Adapter: src1, Provider: plan.Static(testPlan("src1", "orders"))},
			{ID: "src2", Adapter: src2, Provider: plan.Static(testPlan("src2", "users"))},
		},
		Clock: clock.NewFake(time.Now()),
	}

	require.NoError(t, m.BatchNonactive(context.Background()))

	meta1, ok, err := reg.Get(context.Background(), "src1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta1.HasBatch)

	meta2, ok, err := reg.Get(context.Background(), "src2", "users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta2.HasBatch)
}

func TestBatchNonactiveAggregatesPerSourceErrors(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	reg := newFakeRegistry()
	healthy := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: time.Now()}
	broken := &stubAdapter{engine: dbadapter.MySQL, schemaErr: fmt.Errorf("source unreachable")}
	tgt := &stubAdapter{engine: dbadapter.MySQL, schemaErr: fmt.Errorf("no live table yet")}

	m := &Manager{
		Target:   tgt,
		Registry: reg,
		Sources: []Source{
			{ID: "ok", Adapter: healthy, Provider: plan.Static(testPlan("ok", "orders"))},
			{ID: "bad", Adapter: broken, Provider: plan.Static(testPlan("bad", "widgets"))},
		},
	}

	err := m.BatchNonactive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	_, ok, err := reg.Get(context.Background(), "ok", "orders")
	require.NoError(t, err)
	assert.True(t, ok, "the healthy source's plan must still commit despite the other source failing")
}

func TestIncrementalStopsOnRequest(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	reg := newFakeRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Set(context.Background(), registry.SyncMetadata{
		SourceID: "src1", TargetTable: "orders", LastRowAt: now, HasRow: true,
	}))
	src := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: now}
	tgt := &stubAdapter{engine: dbadapter.MySQL, hasMaxTS: true, maxTS: now}

	m := &Manager{
		Target:   tgt,
		Registry: reg,
		Sources:  []Source{{ID: "src1", Adapter: src, Provider: plan.Static(testPlan("src1", "orders"))}},
		Clock:    clock.NewFake(now),
	}

	m.Stop()
	require.NoError(t, m.Incremental(context.Background()))
}

func TestIncrementalEscalatesOnConsistentFailure(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	reg := newFakeRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Set(context.Background(), registry.SyncMetadata{
		SourceID: "src1", TargetTable: "orders", LastRowAt: now, HasRow: true,
	}))
	src := &stubAdapter{engine: dbadapter.MySQL, extractErr: fmt.Errorf("connection refused")}
	tgt := &stubAdapter{engine: dbadapter.MySQL}

	fc := clock.NewFake(now)
	m := &Manager{
		Target:   tgt,
		Registry: reg,
		Sources:  []Source{{ID: "src1", Adapter: src, Provider: plan.Static(testPlan("src1", "orders"))}},
		Clock:    fc,
	}

	err := m.Incremental(context.Background())
	require.Error(t, err, "a table failing every iteration must eventually escape the loop rather than run forever")
}

func TestStatusReflectsRegistryAndFailureCounts(t *testing.T) {
	reg := newFakeRegistry()
	require.NoError(t, reg.Set(context.Background(), registry.SyncMetadata{SourceID: "src1", TargetTable: "orders", HasRow: true}))
	m := &Manager{Registry: reg}

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "src1", statuses[0].SourceID)
	assert.Equal(t, "orders", statuses[0].TargetTable)
	assert.Zero(t, statuses[0].ConsecutiveFailures)
}
