package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gwpool/gemini-gateway/internal/config"
	"github.com/gwpool/gemini-gateway/internal/credentials"
	"github.com/gwpool/gemini-gateway/internal/geoip"
	"github.com/gwpool/gemini-gateway/internal/ipcontrol"
	"github.com/gwpool/gemini-gateway/internal/logger"
	"github.com/gwpool/gemini-gateway/internal/monitoring"
	"github.com/gwpool/gemini-gateway/internal/router"
	"github.com/gwpool/gemini-gateway/internal/store"
	"github.com/gwpool/gemini-gateway/internal/upstream"
)

const credentialsFile = "credentials.toml"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting gemini-gateway",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"base_endpoint", cfg.Upstream.BaseEndpoint,
	)

	credStore := store.New[credentials.Credential](
		filepath.Join(cfg.Server.CredentialsDir, credentialsFile), "credentials", log)
	if err := credStore.Load(); err != nil {
		log.Error("Failed to load credentials", "error", err)
		os.Exit(1)
	}

	refresher := credentials.NewOAuthRefresher("", "", log)
	pool, err := credentials.NewPool(credStore, refresher, log)
	if err != nil {
		log.Error("Failed to initialize credential pool", "error", err)
		os.Exit(1)
	}
	log.Info("Loaded credentials", "count", pool.Size(), "active", pool.ActiveCount())

	resolver, err := geoip.NewResolver(log)
	if err != nil {
		log.Error("Failed to initialize location resolver", "error", err)
		os.Exit(1)
	}

	ips, err := ipcontrol.NewManager(cfg.Server.CredentialsDir, resolver, log)
	if err != nil {
		log.Error("Failed to initialize IP manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ips.Start(ctx, cfg.IPControl.FlushInterval, cfg.IPControl.MaintenanceInterval)
	credStore.StartFlusher(ctx, cfg.IPControl.FlushInterval)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	autoBanCodes := make(map[int]bool, len(cfg.Upstream.AutoBanErrorCodes))
	for _, code := range cfg.Upstream.AutoBanErrorCodes {
		autoBanCodes[code] = true
	}
	engine := upstream.NewEngine(pool, upstream.Options{
		BaseEndpoint:       cfg.Upstream.BaseEndpoint,
		UserAgent:          cfg.Upstream.UserAgent,
		Retry429Enabled:    cfg.Upstream.Retry429Enabled,
		Retry429MaxRetries: cfg.Upstream.Retry429MaxRetries,
		Retry429Interval:   time.Duration(cfg.Upstream.Retry429Interval * float64(time.Second)),
		AutoBanEnabled:     cfg.Upstream.AutoBanEnabled,
		AutoBanCodes:       autoBanCodes,
	}, metrics, log)

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.UpdateActiveCredentials(pool.ActiveCount())
					summary := ips.Summarize()
					metrics.UpdateIPCounts(summary.TotalIPs, summary.BannedIPs)
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	rtr := router.New(engine, ips, cfg, metrics, log)

	mux := http.NewServeMux()
	mux.Handle("/", rtr)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Stop background tasks, then make sure nothing dirty is left behind.
	cancel()
	if err := ips.Flush(); err != nil {
		log.Error("Failed to flush IP data", "error", err)
	}
	if err := credStore.Flush(); err != nil {
		log.Error("Failed to flush credentials", "error", err)
	}

	log.Info("Server shutdown complete")
}
