package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbbouncer/piimask/internal/admin"
	"github.com/dbbouncer/piimask/internal/config"
	"github.com/dbbouncer/piimask/internal/connid"
	"github.com/dbbouncer/piimask/internal/health"
	"github.com/dbbouncer/piimask/internal/metrics"
	"github.com/dbbouncer/piimask/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/piimask.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("piimask starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "protocol", cfg.Listen.Protocol, "upstream", cfg.Upstream.Host)

	store := config.NewStore(config.NewSnapshot(cfg))
	m := metrics.New()
	conns := connid.NewTable(cfg.Limits.MaxConnections)
	hc := health.NewChecker(cfg.Listen.Protocol, cfg.Upstream, cfg.HealthCheck, m)

	hc.Start()

	proxyServer, err := proxy.NewServer(store, conns, m)
	if err != nil {
		slog.Error("failed to build proxy server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := proxyServer.Serve(); err != nil {
			slog.Error("proxy server stopped", "error", err)
		}
	}()

	adminServer := admin.NewServer(hc, conns)
	if err := adminServer.Start(cfg.Admin.Bind, cfg.Admin.Port); err != nil {
		slog.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(next *config.Snapshot) {
		store.Swap(next)
	}, func(applied bool) {
		m.ConfigReloaded(applied)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("piimask ready", "listen_addr", cfg.Listen.Bind, "listen_port", cfg.Listen.Port, "admin_port", cfg.Admin.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	adminServer.Stop()
	proxyServer.Shutdown()
	hc.Stop()

	slog.Info("piimask stopped")
}
