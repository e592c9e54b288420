package tmpfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCreatesWorldWritableFile(t *testing.T) {
	path, err := New("orders")
	assert.NoError(t, err)
	defer os.Remove(path)

	info, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())
}

func TestNewIsUnique(t *testing.T) {
	p1, err := New("orders")
	assert.NoError(t, err)
	defer os.Remove(p1)
	p2, err := New("orders")
	assert.NoError(t, err)
	defer os.Remove(p2)
	assert.NotEqual(t, p1, p2)
}

func TestChunkName(t *testing.T) {
	assert.Equal(t, "/tmp/x.chunk0000", ChunkName("/tmp/x", 0))
	assert.Equal(t, "/tmp/x.chunk0012", ChunkName("/tmp/x", 12))
}

func TestRemoveMissingIsNotError(t *testing.T) {
	assert.NoError(t, Remove("/tmp/syncwarehouse-does-not-exist-12345"))
	assert.NoError(t, Remove(""))
}

func TestDirRespectsTMPDIR(t *testing.T) {
	t.Setenv("TMPDIR", "/custom/tmp")
	assert.Equal(t, "/custom/tmp", Dir())
}
