package main

import (
	"context"
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/syncwarehouse/syncwarehouse/pkg/config"
	"github.com/syncwarehouse/syncwarehouse/pkg/dbadapter"
	"github.com/syncwarehouse/syncwarehouse/pkg/manager"
	"github.com/syncwarehouse/syncwarehouse/pkg/plan"
	"github.com/syncwarehouse/syncwarehouse/pkg/registry"
	"github.com/syncwarehouse/syncwarehouse/pkg/synclog"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// runtime holds everything a subcommand needs to drive the sync engine,
// built once from a loaded config and torn down via close().
type runtime struct {
	cfg       *config.Config
	sources   map[string]dbadapter.DatabaseAdapter
	target    dbadapter.DatabaseAdapter
	providers map[string]plan.Provider
	registry  registry.TableRegistry
	manager   *manager.Manager
}

func (r *runtime) close() {
	for _, a := range r.sources {
		a.Close() //nolint:errcheck
	}
	if r.target != nil {
		r.target.Close() //nolint:errcheck
	}
}

// buildRuntime loads config from path, dials every source and the target,
// and assembles the Manager every subcommand drives (spec.md §4.7 /
// SPEC_FULL.md §1's cmd/syncd component). Callers must call close() on the
// returned runtime, even on error, if it is non-nil.
func buildRuntime(ctx context.Context, path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	sources, target, err := cfg.NewAdapters(ctx)
	if err != nil {
		return nil, err
	}
	r := &runtime{cfg: cfg, sources: sources, target: target}

	providers, err := cfg.NewProviders(sources)
	if err != nil {
		r.close()
		return nil, err
	}
	r.providers = providers

	reg := registry.New(target)
	if err := reg.EnsureStorageExists(ctx); err != nil {
		r.close()
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("bootstrapping registry storage: %w", err))
	}
	r.registry = reg

	var sourceList []manager.Source
	for id, adapter := range sources {
		provider, ok := providers[id]
		if !ok {
			// A source with no plan group targeting it is idle, not an
			// error: it may be declared only as a connection other
			// sources' all_tables template doesn't need.
			continue
		}
		sourceList = append(sourceList, manager.Source{ID: id, Adapter: adapter, Provider: provider})
	}

	r.manager = &manager.Manager{
		Target:      target,
		Registry:    reg,
		Sources:     sourceList,
		Clock:       cfg.Clock.NewClock(),
		Logger:      buildLogger(cfg.Logger.Sinks),
		Concurrency: cfg.Concurrency,
	}
	return r, nil
}

// buildLogger turns the configured sink list into one loggers.Advanced,
// fanning out to all of them via synclog.Multi when more than one is
// named (spec.md §6 "logger: sink or list of sinks"). The retrieval pack
// carries exactly one concrete sink (sirupsen/logrus via synclog.Default),
// so every name, which config.Validate has already checked is "logrus",
// resolves to the same implementation.
func buildLogger(sinks []string) loggers.Advanced {
	if len(sinks) <= 1 {
		return synclog.Default()
	}
	all := make([]loggers.Advanced, len(sinks))
	for i := range sinks {
		all[i] = synclog.Default()
	}
	return synclog.Multi(all...)
}
