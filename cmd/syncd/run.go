package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/siddontang/loggers"
	"github.com/spf13/cobra"

	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
)

// defaultRefreshInterval is how often "run" calls RefreshRecent in the
// background while its foreground incremental loop runs. spec.md leaves
// refresh_recent's calling cadence to the operator (§4.6 only fixes the
// lookback WINDOW, not how often the scan repeats); an hour keeps the
// window-delete-and-reload cost low while still catching same-day deletes.
const defaultRefreshInterval = 1 * time.Hour

func runCmd() *cobra.Command {
	var refreshInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the full supervisor loop: batch bootstrap, then incremental + refresh-recent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer rt.close()

			logger := rt.manager.Logger
			logger.Infof("%s: bootstrapping with a batch load of every plan", synclog.Event("run", "bootstrap"))
			if err := rt.manager.BatchNonactive(ctx); err != nil {
				logger.Warnf("%s: %v", synclog.Event("run", "bootstrap"), err)
			}

			go runRefreshRecentLoop(ctx, rt, refreshInterval, logger)

			logger.Infof("%s: entering incremental loop", synclog.Event("run", "incremental"))
			err = rt.manager.Incremental(ctx)
			if err != nil && errors.Is(err, context.Canceled) {
				logger.Infof("%s: shutdown requested, incremental loop stopped", synclog.Event("run", "shutdown"))
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", defaultRefreshInterval, "how often to run refresh-recent in the background")
	return cmd
}

func runRefreshRecentLoop(ctx context.Context, rt *runtime, interval time.Duration, logger loggers.Advanced) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.manager.RefreshRecent(ctx); err != nil {
				logger.Errorf("%s: %v", synclog.Event("run", "refresh_recent"), err)
			}
		}
	}
}
