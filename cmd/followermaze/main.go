package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	_ "go.uber.org/automaxprocs"

	"github.com/apoluektov/fm/internal/config"
	"github.com/apoluektov/fm/internal/dispatch"
	"github.com/apoluektov/fm/internal/event"
	"github.com/apoluektov/fm/internal/firehose"
	"github.com/apoluektov/fm/internal/graph"
	"github.com/apoluektov/fm/internal/limits"
	"github.com/apoluektov/fm/internal/logging"
	"github.com/apoluektov/fm/internal/metrics"
	"github.com/apoluektov/fm/internal/monitoring"
	"github.com/apoluektov/fm/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	metricsReg := metrics.NewRegistry()

	g := graph.New()
	q := event.NewQueue(cfg.MaxCapacity, cfg.Timeout)
	handler := dispatch.NewHandler(g, q, log, metricsReg)

	if cfg.NATSURL != "" {
		tap, err := firehose.Connect(cfg.NATSURL, cfg.FirehoseSubject, log)
		if err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Msg("firehose connection failed")
			return 1
		}
		defer tap.Close()
		handler.SetTap(tap)
	}

	var limiter *limits.ClientRateLimiter
	if cfg.ClientRate > 0 {
		limiter = limits.NewClientRateLimiter(cfg.ClientRate, cfg.ClientBurst)
	}

	srv := server.New(
		server.Config{EventPort: cfg.EventPort, ClientPort: cfg.ClientPort},
		handler, log, metricsReg, limiter,
	)
	if err := srv.Start(); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Msg("server start failed")
		return 1
	}

	if cfg.MonitorInterval > 0 {
		monitor := monitoring.New(cfg.MonitorInterval, log, metricsReg)
		monitor.Start()
		defer monitor.Stop()
	}

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		httpSrv = newHTTPServer(cfg.HTTPAddr, srv, metricsReg)
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server error")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown error")
		}
	}
	srv.Stop()
	return 0
}

func newHTTPServer(addr string, srv *server.Server, metricsReg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsReg.Handler())
	mux.HandleFunc("/ws", srv.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clients":   srv.ClientCount(),
		})
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}
