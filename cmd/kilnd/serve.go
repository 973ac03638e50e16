package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/config"
	"github.com/kilnrun/kiln/internal/dispatcher"
	"github.com/kilnrun/kiln/internal/logging"
	"github.com/kilnrun/kiln/internal/pool"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		appsDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kiln daemon",
		Long:  "Run kilnd as a long-lived process: an HTTP front door dispatching requests into a pool of per-app worker processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultDaemonConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadDaemonConfigFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadDaemonConfigFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cmd.Flags().Changed("apps-dir") {
				cfg.Runtime.AppsDir = appsDir
			}

			logging.InitStructured("text", cfg.Server.LogLevel)

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&appsDir, "apps-dir", "", "Directory containing one subdirectory per deployed app")

	return cmd
}

func runServe(cfg *config.DaemonConfig) error {
	loader := config.NewLoader(cfg.Runtime.RuntimeMaxBodyBytes)

	p := pool.New(pool.Options{
		MaxSize:          cfg.Runtime.MaxWarmInstances,
		RuntimeBin:       cfg.Runtime.RuntimeBin,
		WrapperPath:      cfg.Runtime.WrapperPath,
		CleanupInterval:  cfg.Runtime.CleanupInterval,
		MetricsNamespace: metricsNamespace(cfg),
	})

	d := dispatcher.New(dispatcher.Options{
		AppsDir:        cfg.Runtime.AppsDir,
		Loader:         loader,
		Pool:           p,
		ConfigCacheTTL: cfg.Runtime.ConfigCacheTTL,
	})

	mux := http.NewServeMux()
	mux.Handle("/", d)
	mux.Handle("/_kiln/stats", statsHandler(p))
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	drain := newDrainingHandler(mux)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: drain,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logging.Op().Info("kilnd listening", "addr", cfg.Server.HTTPAddr, "apps_dir", cfg.Runtime.AppsDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		return err
	case <-sigCh:
		logging.Op().Info("shutdown signal received")
	}

	drain.startDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("http server did not shut down cleanly", "error", err)
	}

	drain.waitInflight(cfg.Shutdown.GracePeriod)

	p.Shutdown()
	logging.Op().Info("kilnd stopped")
	return nil
}

func metricsNamespace(cfg *config.DaemonConfig) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Namespace
}

// drainingHandler tracks in-flight requests with a WaitGroup and rejects
// new ones once closing is set, so a shutdown can wait for requests already
// in the dispatcher before retiring the worker pool underneath them.
type drainingHandler struct {
	next    http.Handler
	closing atomic.Bool
	inflight sync.WaitGroup
}

func newDrainingHandler(next http.Handler) *drainingHandler {
	return &drainingHandler{next: next}
}

func (d *drainingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	d.inflight.Add(1)
	defer d.inflight.Done()
	d.next.ServeHTTP(w, r)
}

func (d *drainingHandler) startDraining() {
	d.closing.Store(true)
}

// waitInflight waits for in-flight requests to finish, up to timeout.
func (d *drainingHandler) waitInflight(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Op().Warn("timed out waiting for in-flight requests to drain")
	}
}

func statsHandler(p *pool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"metrics": p.GetMetrics(),
			"workers": p.GetWorkerStats(),
		})
	})
}
