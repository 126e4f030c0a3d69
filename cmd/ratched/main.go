package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfgpkg "github.com/skyformat99/ratched/internal/config"
	"github.com/skyformat99/ratched/internal/logging"
	metricspkg "github.com/skyformat99/ratched/internal/metrics"
	"github.com/skyformat99/ratched/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Logging.Level)
	log.Infof("starting ratched, mode=%s, listen=%s, config_dir=%s", cfg.Mode, cfg.Listen, cfg.ConfigDir)

	p, err := proxy.NewServer(cfg, log)
	if err != nil {
		log.Fatalf("init certificate authority error: %v", err)
	}

	// metrics server (optional)
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		forgery := p.Forgery()
		mux := metricspkg.NewMux(p.Stats(), func() metricspkg.CertStats {
			st := forgery.Stats()
			return metricspkg.CertStats{Forged: st.Forged, CacheHits: st.CacheHits, CacheMisses: st.CacheMisses}
		})
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}

	// main interception server
	go func() {
		if err := p.ListenAndServe(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
}
