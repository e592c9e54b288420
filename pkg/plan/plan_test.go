package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumnsAllPanicsOnList(t *testing.T) {
	c := AllColumns()
	assert.True(t, c.IsAll())
	assert.Panics(t, func() { c.List() })
}

func TestColumnListRoundTrip(t *testing.T) {
	c := ColumnList("id", "col1", "updated_at")
	assert.False(t, c.IsAll())
	assert.Equal(t, []string{"id", "col1", "updated_at"}, c.List())
}

func TestValidateRequiresTimestampColumnInList(t *testing.T) {
	p := TablePlan{
		TargetTable:     "target_test_table",
		SourceTable:     "test_table",
		SourceID:        "src1",
		Columns:         ColumnList("id", "col1"),
		TimestampColumn: "updated_at",
	}
	assert.Error(t, p.Validate())

	p.Columns = ColumnList("id", "col1", "updated_at")
	assert.NoError(t, p.Validate())
}

func TestValidateAllowsAllColumns(t *testing.T) {
	p := TablePlan{
		TargetTable: "target_test_table",
		SourceTable: "test_table",
		SourceID:    "src1",
		Columns:     AllColumns(),
	}
	assert.NoError(t, p.Validate())
}

func TestValidateRefreshRecentColumnModeRequiresColumn(t *testing.T) {
	p := TablePlan{
		TargetTable:   "t",
		SourceTable:   "t",
		SourceID:      "src1",
		Columns:       AllColumns(),
		RefreshRecent: RefreshRecent{Mode: RefreshRecentColumn},
	}
	assert.Error(t, p.Validate())
}

func TestStagingTableName(t *testing.T) {
	p := TablePlan{TargetTable: "orders"}
	assert.Equal(t, "new_orders", p.StagingTableName())
}

func TestRefreshRecentFilterColumn(t *testing.T) {
	byTS := RefreshRecent{Mode: RefreshRecentEnabledByTimestamp}
	assert.Equal(t, "updated_at", byTS.FilterColumn("updated_at"))

	explicit := RefreshRecent{Mode: RefreshRecentColumn, Column: "deleted_at"}
	assert.Equal(t, "deleted_at", explicit.FilterColumn("updated_at"))
}

type fakeLister struct{ tables []string }

func (f fakeLister) ListTables(_ context.Context) ([]string, error) { return f.tables, nil }

func TestStaticProvider(t *testing.T) {
	p := Static(TablePlan{TargetTable: "a"}, TablePlan{TargetTable: "b"})
	plans, err := p.Plans(context.Background())
	assert.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestAllTablesProvider(t *testing.T) {
	lister := fakeLister{tables: []string{"orders", "customers", "internal_audit"}}
	p := AllTables("src1", lister, TablePlan{Columns: AllColumns(), TimestampColumn: "updated_at"},
		WithTargetPrefix("wh_"), WithExcludedTables("internal_audit"))

	plans, err := p.Plans(context.Background())
	assert.NoError(t, err)
	assert.Len(t, plans, 2)
	for _, tp := range plans {
		assert.Equal(t, "src1", tp.SourceID)
		assert.Equal(t, "wh_"+tp.SourceTable, tp.TargetTable)
	}
}
