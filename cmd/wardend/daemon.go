package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenos/warden/internal/bench"
	"github.com/wardenos/warden/internal/bridge"
	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/config"
	"github.com/wardenos/warden/internal/infrastructure/monitoring"
	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/loader"
	"github.com/wardenos/warden/internal/logging"
	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/runtime"
)

// daemon bundles the wired components shared by run and exec.
type daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
	hub      *events.Hub
	bench    *bench.Collector
	kernel   *kernel.Kernel
	engine   *runtime.Engine
	registry *registry.Registry
	loader   *loader.Loader
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetBool("log-dev"); v {
		cfg.Logging.Development = true
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("modules-dir") {
		cfg.Modules.Dir, _ = flags.GetString("modules-dir")
	}
	if flags.Changed("trace") {
		cfg.Kernel.TraceSyscalls, _ = flags.GetBool("trace")
	}
	if flags.Changed("bench") {
		cfg.Kernel.Bench, _ = flags.GetBool("bench")
	}
	return cfg, nil
}

// buildDaemon wires logger, kernel, engine, bridge, registry and
// loader. withMetrics is off in exec mode, where no scrape endpoint
// exists.
func buildDaemon(ctx context.Context, cfg *config.Config, withMetrics bool) (*daemon, error) {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: cfg.Logging.OutputPaths,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	d := &daemon{cfg: cfg, log: log, hub: events.NewHub(), registry: registry.New()}
	if withMetrics {
		d.metrics = monitoring.NewMetrics()
	}
	if cfg.Kernel.Bench {
		d.bench = bench.New(0)
	}

	d.kernel = kernel.New(kernel.Config{
		TickInterval:    cfg.Kernel.TickInterval,
		SliceTicks:      cfg.Kernel.SliceTicks,
		WatchdogTicks:   cfg.Kernel.WatchdogTicks,
		TableCapacity:   cfg.Kernel.TableCapacity,
		DefaultMemLimit: cfg.Kernel.DefaultMemLimit,
		PoolBytes:       cfg.Kernel.PoolBytes,
		TraceSyscalls:   cfg.Kernel.TraceSyscalls,
	}, kernel.Options{
		Logger:  log,
		Metrics: d.metrics,
		Events:  d.hub,
		Bench:   d.bench,
	})

	d.engine = runtime.NewEngine(ctx, runtime.Config{}, log)
	if err := bridge.Install(ctx, d.engine, d.kernel); err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("host bridge: %w", err)
	}

	d.loader = loader.New(loader.Config{
		MaxModuleBytes: cfg.Modules.MaxModuleBytes,
		FetchTimeout:   cfg.Modules.FetchTimeout,
		FetchRetries:   cfg.Modules.FetchRetries,
	}, d.kernel, d.engine, d.registry, loader.Options{
		Logger:  log,
		Metrics: d.metrics,
		Events:  d.hub,
	})

	return d, nil
}

func (d *daemon) close(ctx context.Context) {
	d.kernel.Shutdown()
	_ = d.engine.Close(ctx)
	_ = d.log.Sync()
}
