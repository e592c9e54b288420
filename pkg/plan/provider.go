package plan

import "context"

// SchemaLister is the minimal capability an AllTables provider needs from
// a source adapter: enumerate every table in a schema. It is a narrow
// interface on purpose, so plan.Provider does not need to import
// pkg/dbadapter (which would make pkg/plan depend on database drivers).
type SchemaLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Provider produces the current list of TablePlans for a source (spec.md
// §2 PlanProvider). There are exactly two variants, matching spec.md §9's
// Design Note: a builder per variant, never a single mutable constructor.
type Provider interface {
	Plans(ctx context.Context) ([]TablePlan, error)
}

// staticProvider returns a fixed, pre-declared list of plans.
type staticProvider struct {
	plans []TablePlan
}

// Static returns a Provider that always yields exactly the given plans,
// the literal-plans case described in spec.md §6 (`plans: ... ordered list
// of TablePlan literals`).
func Static(plans ...TablePlan) Provider {
	return &staticProvider{plans: append([]TablePlan(nil), plans...)}
}

func (p *staticProvider) Plans(_ context.Context) ([]TablePlan, error) {
	return append([]TablePlan(nil), p.plans...), nil
}

// allTablesProvider enumerates every table in a source schema and builds
// one TablePlan per table using a template (timestamp column, refresh
// policy, charset) shared across all of them.
type allTablesProvider struct {
	sourceID string
	lister   SchemaLister
	template TablePlan
	// TargetPrefix is prepended to the source table name to derive
	// TargetTable, e.g. "src1_" -> source table "orders" becomes target
	// table "src1_orders". Supplemented over spec.md: without a prefix,
	// two sources with same-named tables would collide in a single
	// downstream warehouse.
	targetPrefix string
	exclude      map[string]bool
}

// AllTablesOption configures an AllTables provider.
type AllTablesOption func(*allTablesProvider)

// WithTargetPrefix sets the prefix prepended to every discovered table's
// name to derive its target table name.
func WithTargetPrefix(prefix string) AllTablesOption {
	return func(p *allTablesProvider) { p.targetPrefix = prefix }
}

// WithExcludedTables excludes specific source table names from discovery.
func WithExcludedTables(names ...string) AllTablesOption {
	return func(p *allTablesProvider) {
		if p.exclude == nil {
			p.exclude = make(map[string]bool, len(names))
		}
		for _, n := range names {
			p.exclude[n] = true
		}
	}
}

// AllTables returns a Provider that enumerates every table on the source
// via lister and builds a TablePlan for each using template as a base
// (template.SourceTable/TargetTable are ignored and overwritten per
// table).
func AllTables(sourceID string, lister SchemaLister, template TablePlan, opts ...AllTablesOption) Provider {
	p := &allTablesProvider{sourceID: sourceID, lister: lister, template: template}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *allTablesProvider) Plans(ctx context.Context) ([]TablePlan, error) {
	tables, err := p.lister.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]TablePlan, 0, len(tables))
	for _, t := range tables {
		if p.exclude[t] {
			continue
		}
		tp := p.template
		tp.SourceID = p.sourceID
		tp.SourceTable = t
		tp.TargetTable = p.targetPrefix + t
		plans = append(plans, tp)
	}
	return plans, nil
}
