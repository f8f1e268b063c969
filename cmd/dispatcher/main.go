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
	"github.com/robfig/cron/v3"

	"github.com/austindbirch/outreach/internal/app"
	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/health"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/taskqueue"
	"github.com/austindbirch/outreach/internal/tracing"
)

const service = "outreach-dispatcher"

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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(deps.Checker()))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	opts := []taskqueue.Option{taskqueue.WithLogger(logger)}
	if cfg.NSQ.PublishDLQ {
		dlq, err := taskqueue.NewNSQDeadLetters(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlq.Stop()
		opts = append(opts, taskqueue.WithDeadLetters(dlq))
	}
	dispatcher := taskqueue.NewDispatcher(deps.Tasks, deps.Handlers(svc, logger).Map(), opts...)

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Dispatcher.SweepSchedule, func() {
		if _, err := dispatcher.RecoverStale(ctx, cfg.Dispatcher.StaleAfter, 100); err != nil {
			logger.Plain().WithError(err).Error("stale task sweep failed")
		}
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid sweep schedule")
	}
	sweeper.Start()

	logger.Plain().WithFields(map[string]any{
		"batch_size":    cfg.Dispatcher.BatchSize,
		"poll_interval": cfg.Dispatcher.PollInterval.String(),
	}).Info("dispatcher service started")

	err = dispatcher.Run(ctx, taskqueue.RunConfig{
		BatchSize: cfg.Dispatcher.BatchSize,
		Interval:  cfg.Dispatcher.PollInterval,
		Paused: func(ctx context.Context) (bool, error) {
			ec, err := deps.Store.LoadEngineConfig(ctx)
			if err != nil {
				return false, err
			}
			return ec.Paused(outreach.RoleDispatcher), nil
		},
		Beat: func(ctx context.Context) error {
			return kv.Beat(ctx, deps.KV, outreach.RoleDispatcher, time.Now(), cfg.Dispatcher.HeartbeatTTL)
		},
	})
	if err != nil {
		logger.Plain().WithError(err).Error("dispatcher stopped with error")
	}

	logger.Plain().Info("Shutting down dispatcher service")
	<-sweeper.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownWindow)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dispatcher service stopped")
}
