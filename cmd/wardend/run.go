package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/registry"
	"github.com/wardenos/warden/internal/server"
)

const shutdownGrace = 5 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: boot the kernel, load modules, serve the control plane",
		RunE:  runDaemon,
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("modules-dir", "", "directory scanned for module manifests")
	cmd.Flags().Bool("trace", false, "emit per-syscall events and debug logs")
	cmd.Flags().Bool("bench", false, "collect latency benchmarks")
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	// A bad manifest must not take the daemon down; load what scans
	// clean and report the rest.
	scanner := registry.NewScanner(cfg.Modules.Dir, cfg.Modules.Pattern, d.log)
	paths, err := scanner.Scan(ctx)
	if err != nil {
		d.log.Warn("module scan failed", zap.String("dir", cfg.Modules.Dir), zap.Error(err))
	}
	for _, p := range paths {
		if _, err := d.loader.LoadFile(ctx, p); err != nil {
			d.log.Warn("skipping manifest", zap.String("path", p), zap.Error(err))
		}
	}

	d.kernel.Start()

	srv := server.New(cfg.Server, server.Deps{
		Kernel:   d.kernel,
		Loader:   d.loader,
		Registry: d.registry,
		Bench:    d.bench,
		Events:   d.hub,
		Metrics:  d.metrics,
		Logger:   d.log,
		Version:  version,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		d.log.Warn("server shutdown", zap.Error(err))
	}
	return nil
}
