package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/metrics"
)

func writeLines(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := f.WriteString("row\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

func TestSplitFileSingleChunk(t *testing.T) {
	path := writeLines(t, 10)
	chunks, rows, err := splitFile(path, 100)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.EqualValues(t, 10, rows)
	for _, c := range chunks {
		os.Remove(c)
	}
}

func TestSplitFileMultipleChunks(t *testing.T) {
	path := writeLines(t, 25)
	chunks, rows, err := splitFile(path, 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.EqualValues(t, 25, rows)
	for _, c := range chunks {
		os.Remove(c)
	}
}

func TestSplitFileEmpty(t *testing.T) {
	path := writeLines(t, 0)
	chunks, rows, err := splitFile(path, 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.EqualValues(t, 0, rows)
	for _, c := range chunks {
		os.Remove(c)
	}
}

// fakeAdapter implements just enough of dbadapter.DatabaseAdapter to drive
// Pipeline.Run; every unused method panics so an accidental call surfaces
// immediately in a test failure rather than silently no-op-ing.
type fakeAdapter struct {
	dbadapter.DatabaseAdapter
	extractErr error
	loadErr    error
	extracted  string
	loaded     []string
}

func (f *fakeAdapter) ExtractToFile(_ context.Context, _ dbadapter.ExtractQuery, path string) error {
	f.extracted = path
	if f.extractErr != nil {
		return f.extractErr
	}
	return os.WriteFile(path, []byte("a,1\nb,2\nc,3\n"), 0o644)
}

func (f *fakeAdapter) LoadFromFile(_ context.Context, _ string, _ []string, path string) error {
	f.loaded = append(f.loaded, path)
	return f.loadErr
}

func TestPipelineRunSuccessCleansUpFiles(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	src := &fakeAdapter{}
	sink := metrics.NewCounters()
	p := &Pipeline{Source: src, Target: &fakeAdapter{}, Metrics: sink, ChunkRows: 2}

	result, err := p.Run(context.Background(), "batch", "src1", dbadapter.ExtractQuery{Table: "orders"}, "orders", []string{"id"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.RowsExtracted)
	assert.Equal(t, 2, result.ChunksLoaded)

	_, statErr := os.Stat(src.extracted)
	assert.True(t, os.IsNotExist(statErr), "extract file should be removed after a successful run")
	assert.EqualValues(t, 1, sink.Successes["batch|src1|orders"])
}

func TestPipelineRunExtractFailureStillCleansUp(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	boom := assert.AnError
	src := &fakeAdapter{extractErr: boom}
	sink := metrics.NewCounters()
	p := &Pipeline{Source: src, Target: &fakeAdapter{}, Metrics: sink}

	_, err := p.Run(context.Background(), "batch", "src1", dbadapter.ExtractQuery{Table: "orders"}, "orders", []string{"id"})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, sink.Failures["batch|src1|orders"])
}

func TestPipelineRunLoadFailureCleansUpChunks(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	src := &fakeAdapter{}
	tgt := &fakeAdapter{loadErr: assert.AnError}
	sink := metrics.NewCounters()
	p := &Pipeline{Source: src, Target: tgt, Metrics: sink, ChunkRows: 10}

	_, err := p.Run(context.Background(), "batch", "src1", dbadapter.ExtractQuery{Table: "orders"}, "orders", []string{"id"})
	assert.Error(t, err)
	for _, c := range tgt.loaded {
		_, statErr := os.Stat(c)
		assert.True(t, os.IsNotExist(statErr), "chunk file should be removed even after a load failure")
	}
}

var _ = time.Now // keep time import if future assertions need it
