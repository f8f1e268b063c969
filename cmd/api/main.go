package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/outreach/internal/api"
	"github.com/austindbirch/outreach/internal/app"
	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/tracing"
)

const service = "outreach-api"

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.SetDefaultService(service)
	logger := logging.New(service)

	shutdown, err := tracing.InitTracing(ctx, service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to open dependencies")
	}
	defer deps.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.New(deps.Queue, deps.Store, deps.KV,
		api.WithHealth(deps.Checker()),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithLogger(logger),
	)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api service stopped")
}
