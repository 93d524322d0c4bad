package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-bcp-chatd/internal/chatserver"
	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
)

// Helper implementations moved to dedicated files: version.go, config.go, logger.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chatd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := chatserver.New(
		chatserver.WithPort(cfg.port),
		chatserver.WithWorkers(cfg.workers),
		chatserver.WithIdleTimeout(cfg.idleTimeout),
		chatserver.WithTickInterval(cfg.tickInterval),
		chatserver.WithIdentity(cfg.identity),
		chatserver.WithLogger(l),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("server_error", "error", err)
			cancel()
		}
	}()

	var mdnsCleanup func()
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		cleanup, err := startMDNS(ctx, cfg, srv.Port())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		mdnsCleanup = cleanup
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", srv.Port())
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if mdnsCleanup != nil {
		mdnsCleanup()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	wg.Wait()
}
