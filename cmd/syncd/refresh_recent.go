package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncwarehouse/syncwarehouse/pkg/action"
	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
)

func refreshRecentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-recent [source-id] [target-table]",
		Short: "Run a one-shot window delete-and-reload: every enabled plan if no args, one table if both are given",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer rt.close()

			if len(args) == 0 {
				return rt.manager.RefreshRecent(ctx)
			}
			if len(args) != 2 {
				return fmt.Errorf("refresh-recent requires either no arguments or both source-id and target-table")
			}

			p, adapter, err := findPlan(ctx, rt, args[0], args[1])
			if err != nil {
				return err
			}
			a := &action.RefreshRecentAction{
				Source: adapter, Target: rt.target, Registry: rt.registry,
				Clock: rt.manager.Clock, Logger: rt.manager.Logger, Metrics: rt.manager.Metrics,
			}
			if err := a.Run(ctx, p); err != nil {
				return err
			}
			rt.manager.Logger.Infof("%s: done", synclog.Event("refresh_recent", p.TargetTable))
			return nil
		},
	}
	return cmd
}
