package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncwarehouse/syncwarehouse/pkg/action"
	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [source-id] [target-table]",
		Short: "Run a one-shot full copy: every plan if no args, one table if both are given",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer rt.close()

			if len(args) == 0 {
				return rt.manager.BatchNonactive(ctx)
			}
			if len(args) != 2 {
				return fmt.Errorf("batch requires either no arguments or both source-id and target-table")
			}

			p, adapter, err := findPlan(ctx, rt, args[0], args[1])
			if err != nil {
				return err
			}
			a := &action.BatchLoadAction{
				Source: adapter, Target: rt.target, Registry: rt.registry,
				Clock: rt.manager.Clock, Logger: rt.manager.Logger, Metrics: rt.manager.Metrics,
			}
			state, err := a.Run(ctx, p)
			if err != nil {
				return err
			}
			rt.manager.Logger.Infof("%s: reached state=%s", synclog.Event("batch", p.TargetTable), state)
			return nil
		},
	}
	return cmd
}
