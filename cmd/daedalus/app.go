package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/config"
	"github.com/wehubfusion/Daedalus/internal/logging"
	"github.com/wehubfusion/Daedalus/internal/reporting"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/tool"
	"github.com/wehubfusion/Daedalus/pkg/tools/all"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	reporter  *reporting.Reporter
	registry  *tool.Registry
	gatherer  prometheus.Gatherer
	metrics   metrics.Collector
	engine    *concurrency.Config
	cache     *cache.Manager
	persister *cache.Persister

	closers []func(context.Context) error
}

type globalFlags struct {
	configPath string
	logLevel   string
	cacheDir   string
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.cacheDir != "" {
		cfg.Cache.Dir = flags.cacheDir
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	undo := concurrency.InitializeForKubernetes(logger)
	a.onClose(func(context.Context) error {
		undo()
		return nil
	})
	a.engine = concurrency.LoadConfig()
	logger.Info("engine configuration", zap.String("config", a.engine.String()))

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.SetupTracing(ctx, cfg.Tracing.TracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			a.onClose(func(context.Context) error { return tracing.ShutdownTracing(shutdown, logger) })
		}
	}

	a.reporter, err = reporting.New(reporting.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		SampleRate:  cfg.Sentry.SampleRate,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.onClose(func(context.Context) error {
		a.reporter.Flush(2 * time.Second)
		return nil
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.gatherer = reg
	a.metrics = metrics.NewPrometheus(reg)

	registry, closeTools := all.NewRegistry()
	a.registry = registry
	a.onClose(func(context.Context) error { return closeTools() })

	if cfg.Cache.Enabled() {
		store, err := cache.OpenBadgerStore(cache.BadgerConfig{
			Path:     cfg.Cache.Dir,
			InMemory: cfg.Cache.InMemory,
			TTL:      cfg.Cache.TTL,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		cacheCfg := cache.DefaultConfig()
		cacheCfg.LockTimeout = cfg.Cache.LockTimeout
		a.cache = cache.NewManager(store, cacheCfg, logger)
		a.persister = cache.NewPersister(a.cache, cfg.Cache.QueueSize, logger)
		a.onClose(func(context.Context) error { return a.cache.Close() })
		a.onClose(a.persister.Close)
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the registered closers in reverse order.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// loadFlow loads and validates a flow and checks that every tool it uses is
// registered.
func loadFlow(registry *tool.Registry, workingDir, path string) (*flow.Flow, error) {
	f, err := flow.LoadFile(workingDir, path)
	if err != nil {
		return nil, err
	}
	if err := flow.Validate(f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = f.Name
	}
	for _, n := range f.Nodes {
		if !registry.Has(n.Tool) {
			return nil, derrors.Validation("node '%s' uses tool '%s' which is not registered", n.Name, n.Tool).WithNode(n.Name)
		}
	}
	return f, nil
}

// toolIDs returns the tools a flow uses.
func toolIDs(f *flow.Flow) []string {
	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.Tool)
	}
	return ids
}

func initTools(ctx context.Context, registry *tool.Registry, f *flow.Flow, kwargs map[string]any) error {
	if err := registry.Init(ctx, toolIDs(f), kwargs); err != nil {
		return fmt.Errorf("failed to initialize tools: %w", err)
	}
	return nil
}
