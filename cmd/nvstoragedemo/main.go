// Command nvstoragedemo wires the library's pieces together into a
// standalone process: load configuration, stand up the server
// registry, start the health monitor and diagnostics surface, warm
// connection pools, and serve until signalled to stop. It exists to
// exercise the library end-to-end; embedding code would normally
// construct these pieces directly instead of shelling out to a binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/diagnostics"
	"github.com/nvstorage/nvstorage/internal/health"
	"github.com/nvstorage/nvstorage/internal/metrics"
	"github.com/nvstorage/nvstorage/internal/storages"

	_ "github.com/nvstorage/nvstorage/internal/driver/mysql"
	_ "github.com/nvstorage/nvstorage/internal/driver/postgres"
)

func main() {
	configPath := flag.String("config", "configs/nvstorage.yaml", "path to configuration file")
	diagnosticsPort := flag.Int("diagnostics-port", 9090, "port for the read-only diagnostics HTTP server")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("nvstorage starting")

	file, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "servers", len(file.Servers))

	collector := metrics.New()
	registry := storages.NewRegistry(collector, logger)

	for name, cfg := range file.Servers {
		server, err := registry.Add(cfg)
		if err != nil {
			logger.Error("failed to register server", "server", name, "error", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = server.TryConnect(ctx)
		cancel()
		if err != nil {
			logger.Warn("initial connect failed, server has no warmed connections", "server", name, "error", err)
		}
	}

	monitor := health.New(registry, collector, logger)
	monitor.Start()

	diagServer := diagnostics.New(registry, monitor, collector, logger)
	if err := diagServer.Start(*diagnosticsPort); err != nil {
		logger.Error("failed to start diagnostics server", "error", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newFile *config.File) {
		logger.Info("reloading configuration")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		added, err := registry.Reload(ctx, newFile)
		cancel()
		if err != nil {
			logger.Error("config reload failed", "error", err)
			return
		}
		for _, server := range added {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.TryConnect(ctx); err != nil {
				logger.Warn("newly added server failed to connect", "server", server.Name(), "error", err)
			}
			cancel()
		}
	}, func(err error) {
		logger.Error("config watcher error", "error", err)
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "error", err)
	}

	logger.Info("nvstorage ready", "diagnostics_port", *diagnosticsPort, "servers", len(file.Servers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Close()
	}
	monitor.Stop()
	diagServer.Stop()
	registry.CloseAll()

	logger.Info("nvstorage stopped")
}
