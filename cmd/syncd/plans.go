package main

import (
	"context"
	"fmt"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
)

// findPlan resolves one source-id/target-table pair against rt's
// providers, for the one-shot "batch"/"refresh-recent" subcommand variant
// that backfills or refreshes a single table rather than everything a
// config declares.
func findPlan(ctx context.Context, rt *runtime, sourceID, targetTable string) (plan.TablePlan, dbadapter.DatabaseAdapter, error) {
	adapter, ok := rt.sources[sourceID]
	if !ok {
		return plan.TablePlan{}, nil, fmt.Errorf("no source %q configured", sourceID)
	}
	provider, ok := rt.providers[sourceID]
	if !ok {
		return plan.TablePlan{}, nil, fmt.Errorf("source %q has no configured plans", sourceID)
	}
	plans, err := provider.Plans(ctx)
	if err != nil {
		return plan.TablePlan{}, nil, fmt.Errorf("listing plans for %q: %w", sourceID, err)
	}
	for _, p := range plans {
		if p.TargetTable == targetTable {
			return p, adapter, nil
		}
	}
	return plan.TablePlan{}, nil, fmt.Errorf("no plan targeting table %q from source %q", targetTable, sourceID)
}
