package dbutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripPort(t *testing.T) {
	assert.Equal(t, "db.internal", StripPort("db.internal:3306"))
	assert.Equal(t, "db.internal", StripPort("db.internal"))
}

func TestIntersectColumnsPreservesCols1Order(t *testing.T) {
	got := IntersectColumns([]string{"id", "name", "updated_at", "deleted_at"}, []string{"updated_at", "id"})
	assert.Equal(t, []string{"id", "updated_at"}, got)
}

func TestIntersectColumnsEmpty(t *testing.T) {
	got := IntersectColumns([]string{"id"}, []string{"name"})
	assert.Empty(t, got)
}
