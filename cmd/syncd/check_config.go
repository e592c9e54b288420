package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// checkConfigCmd is SPEC_FULL.md §2's supplemented dry-run: it resolves
// every PlanProvider and connects to every source and the target, but
// never runs an Action, so no staging table is ever created.
func checkConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate config, connectivity, and schema compatibility without loading any data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.target.Ping(ctx); err != nil {
				return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("target unreachable: %w", err))
			}
			fmt.Println("target: ok")

			for id, adapter := range rt.sources {
				if err := adapter.Ping(ctx); err != nil {
					return syncerr.New(syncerr.KindConfig, id, "", fmt.Errorf("source unreachable: %w", err))
				}
				fmt.Printf("source %s: ok\n", id)
			}

			for id, provider := range rt.providers {
				plans, err := provider.Plans(ctx)
				if err != nil {
					return syncerr.New(syncerr.KindConfig, id, "", fmt.Errorf("resolving plans: %w", err))
				}
				for _, p := range plans {
					if err := checkPlanSchema(ctx, rt.sources[id], rt.target, p); err != nil {
						fmt.Printf("plan %s.%s: %v\n", id, p.TargetTable, err)
						continue
					}
					fmt.Printf("plan %s.%s: ok\n", id, p.TargetTable)
				}
			}
			return nil
		},
	}
	return cmd
}

// checkPlanSchema compares a plan's resolved source columns against the
// target table's existing columns, if any. It never creates or alters
// anything; a missing target table is not an error (BatchLoadAction
// creates it on first run).
func checkPlanSchema(ctx context.Context, source, target dbadapter.DatabaseAdapter, p plan.TablePlan) error {
	sourceSchema, err := source.TableSchema(ctx, p.SourceTable)
	if err != nil {
		return fmt.Errorf("source table %s: %w", p.SourceTable, err)
	}

	targetSchema, err := target.TableSchema(ctx, p.TargetTable)
	if err != nil {
		return nil // target table doesn't exist yet; BatchLoadAction will create it
	}

	available := make(map[string]bool, len(sourceSchema.Columns))
	for _, c := range sourceSchema.Columns {
		available[c.Name] = true
	}
	wanted := p.Columns
	names := sourceSchema.ColumnNames()
	if !wanted.IsAll() {
		names = wanted.List()
	}

	onTarget := make(map[string]bool, len(targetSchema.Columns))
	for _, c := range targetSchema.Columns {
		onTarget[c.Name] = true
	}
	for _, name := range names {
		if !available[name] {
			return fmt.Errorf("column %q is not present on the source", name)
		}
		if !onTarget[name] {
			return fmt.Errorf("column %q is missing from the existing target table", name)
		}
	}
	return nil
}
