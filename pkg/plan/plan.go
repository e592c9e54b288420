// Package plan defines the declarative description of what to copy and
// how (spec.md §3 TablePlan), and the two PlanProvider variants
// (spec.md §9 Design Note: "columns=ALL is a distinguished variant, not a
// magic value mixed with column lists").
//
// This replaces the source tool's mutable map-of-plans with a typed value,
// the same shift spirit makes from duck-typed config onto a concrete
// table.TableInfo-shaped struct.
package plan

import (
	"fmt"
	"strings"
	"time"
)

// Columns is a sum type: either every column present on the source at
// extract time (All), or an explicit ordered projection (List).
type Columns struct {
	all  bool
	list []string
}

// AllColumns returns the distinguished "ALL" variant of Columns.
func AllColumns() Columns { return Columns{all: true} }

// ColumnList returns an explicit, ordered column projection.
func ColumnList(names ...string) Columns { return Columns{list: append([]string(nil), names...)} }

// IsAll reports whether this Columns value is the ALL sentinel.
func (c Columns) IsAll() bool { return c.all }

// List returns the explicit column names. It panics if IsAll() is true;
// callers must resolve ALL against source schema first (see
// resolveColumns in pkg/action), matching the invariant in spec.md §3 ("when ALL,
// the projection is materialized from source schema before any query is
// issued").
func (c Columns) List() []string {
	if c.all {
		panic("plan: List() called on the ALL columns sentinel; resolve against source schema first")
	}
	return append([]string(nil), c.list...)
}

func (c Columns) String() string {
	if c.all {
		return "ALL"
	}
	return strings.Join(c.list, ",")
}

// RefreshRecentMode distinguishes the three refresh-recent configurations
// in spec.md §3.
type RefreshRecentMode int

const (
	// RefreshRecentDisabled means this plan never runs RefreshRecentAction.
	RefreshRecentDisabled RefreshRecentMode = iota
	// RefreshRecentEnabledByTimestamp filters the recent window on the
	// plan's TimestampColumn.
	RefreshRecentEnabledByTimestamp
	// RefreshRecentColumn filters the recent window on an explicit column
	// distinct from TimestampColumn.
	RefreshRecentColumn
)

// RefreshRecent describes a plan's refresh-recent configuration.
type RefreshRecent struct {
	Mode   RefreshRecentMode
	Column string // only set when Mode == RefreshRecentColumn
}

// Disabled reports whether refresh-recent is off for this plan.
func (r RefreshRecent) Disabled() bool { return r.Mode == RefreshRecentDisabled }

// FilterColumn returns the column refresh-recent should filter on, given
// a plan's TimestampColumn, per spec.md §4.6 step 1.
func (r RefreshRecent) FilterColumn(timestampColumn string) string {
	if r.Mode == RefreshRecentColumn {
		return r.Column
	}
	return timestampColumn
}

// IndexSpec describes one index declared on a TablePlan.
type IndexSpec struct {
	Columns []string
	Unique  bool
}

// TablePlan is the immutable, per-cycle description of one table's
// replication requirements (spec.md §3).
type TablePlan struct {
	TargetTable string
	SourceTable string
	SourceID    string

	Columns           Columns
	TimestampColumn   string // default "updated_at"
	TimestampInMillis bool

	Indexes map[string]IndexSpec

	RefreshRecent RefreshRecent
	// RefreshWindow overrides the default 7-day refresh-recent window
	// (spec.md §4.6); zero means "use the package default".
	RefreshWindow time.Duration

	Charset string // optional

	// SourceDSNOverride is copied from the plan's config entry
	// (SPEC_FULL.md §3 supplement). No Action and not the Manager reads it;
	// a plan is always extracted through its SourceID's adapter.
	SourceDSNOverride string

	// MaxLagOverride overrides the default MAX_LAG safety margin used by
	// BatchLoadAction (SPEC_FULL.md §4.4); zero means "use the default".
	MaxLagOverride time.Duration

	// PrimaryKey is derived from source schema at runtime; it is not
	// user-supplied and plan literals never set it directly.
	PrimaryKey []string
}

// Validate checks the invariants spec.md §3 states for a TablePlan literal
// that don't require a database connection: that TargetTable/SourceTable/
// SourceID are non-empty, and that an explicit column list (when not ALL)
// actually contains the timestamp column (TimestampColumn, or
// DefaultTimestampColumn when it is empty).
func (p TablePlan) Validate() error {
	if p.TargetTable == "" {
		return fmt.Errorf("plan: target_table is required")
	}
	if p.SourceTable == "" {
		return fmt.Errorf("plan: source_table is required")
	}
	if p.SourceID == "" {
		return fmt.Errorf("plan: source_id is required")
	}
	ts := p.TimestampColumn
	if ts == "" {
		ts = DefaultTimestampColumn
	}
	if !p.Columns.IsAll() {
		found := false
		for _, c := range p.Columns.List() {
			if c == ts {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("plan %s: timestamp_column %q must be present in columns", p.TargetTable, ts)
		}
	}
	if p.RefreshRecent.Mode == RefreshRecentColumn && p.RefreshRecent.Column == "" {
		return fmt.Errorf("plan %s: refresh_recent column mode requires a column name", p.TargetTable)
	}
	return nil
}

// EffectiveTimestampColumn returns TimestampColumn, defaulted.
func (p TablePlan) EffectiveTimestampColumn() string {
	if p.TimestampColumn == "" {
		return DefaultTimestampColumn
	}
	return p.TimestampColumn
}

// StagingTableName returns the transient "new_<target>" staging table name
// (spec.md §3 StagingTable).
func (p TablePlan) StagingTableName() string {
	return StagingName(p.TargetTable)
}

// StagingName derives a staging table name for any target table, exported
// so adapters and the registry can compute it without a TablePlan in hand
// (e.g. to check for and drop a leftover staging table before creating one).
func StagingName(targetTable string) string {
	return "new_" + targetTable
}

// DefaultTimestampColumn is TablePlan's default timestamp_column.
const DefaultTimestampColumn = "updated_at"
