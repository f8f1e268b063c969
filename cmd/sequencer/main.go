package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/outreach/internal/app"
	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/health"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/tracing"
)

const service = "outreach-sequencer"

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

	svc, err := deps.Integrations(ctx, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to build integrations")
	}
	if svc.Executor == nil {
		logger.Plain().Fatal("sequencer requires a configured email sender")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(deps.Checker()))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Sequencer.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("sequencer HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("sequencer HTTP server failed")
		}
	}()

	seq := sequencer.New(deps.Store, svc.Executor, deps.Queue, deps.KV, deps.Reputation, deps.Identity(),
		sequencer.Config{
			JitterMin:        cfg.Sequencer.JitterMin,
			JitterMax:        cfg.Sequencer.JitterMax,
			CircuitThreshold: cfg.Sequencer.CircuitThreshold,
			CircuitCooldown:  cfg.Sequencer.CircuitCooldown,
			MaxUnboundSteps:  cfg.Sequencer.MaxUnboundSteps,
			SmartTiming:      cfg.Sequencer.SmartTiming,
		},
		sequencer.WithAdvisor(deps.Timing),
		sequencer.WithLogger(logger),
	)

	logger.Plain().WithField("interval", cfg.Sequencer.PollInterval.String()).Info("sequencer service started")
	err = seq.Run(ctx, sequencer.RunConfig{
		Interval:     cfg.Sequencer.PollInterval,
		HeartbeatTTL: cfg.Sequencer.HeartbeatTTL,
	})
	if err != nil {
		logger.Plain().WithError(err).Error("sequencer stopped with error")
	}

	logger.Plain().Info("Shutting down sequencer service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("sequencer service stopped")
}
