package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesOnKindOnly(t *testing.T) {
	err := New(KindExtract, "src1", "orders", fmt.Errorf("connection refused"))
	assert.True(t, errors.Is(err, Extract))
	assert.False(t, errors.Is(err, Load))
}

func TestUnwrapReachesUnderlyingError(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := New(KindLoad, "src1", "orders", inner)
	assert.ErrorIs(t, err, inner)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(New(KindLoad, "", "", fmt.Errorf("x"))))
	assert.Equal(t, 1, ExitCode(New(KindExtract, "", "", fmt.Errorf("x"))))
	assert.Equal(t, 2, ExitCode(New(KindConfig, "", "", fmt.Errorf("x"))))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("untagged")))
}

func TestErrorString(t *testing.T) {
	err := New(KindNoSuchTable, "src1", "orders", fmt.Errorf("relation does not exist"))
	assert.Contains(t, err.Error(), "src1")
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "no_such_table")
}
