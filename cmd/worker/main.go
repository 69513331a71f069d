package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"newscourier/internal/config"
	"newscourier/internal/db"
	"newscourier/internal/delivery"
	"newscourier/internal/health"
	"newscourier/internal/logging"
	"newscourier/internal/mailer"
	"newscourier/internal/metrics"
	"newscourier/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("newscourier-worker")

	shutdownTracing, err := tracing.InitTracing(ctx, "newscourier-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	queue := delivery.NewQueue(pool)
	gateway := mailer.NewClient(cfg.Mailer)
	policy := delivery.RetryPolicy{
		MaxAttempts:     cfg.Worker.MaxAttempts,
		BackoffSchedule: cfg.Worker.BackoffSchedule,
		JitterPercent:   cfg.Worker.JitterPercent,
		PollInterval:    cfg.Worker.PollInterval,
	}

	// Periodic maintenance: reclaim abandoned claims and refresh the depth
	// gauge.
	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Worker.SweepEvery), func() {
		reclaimed, err := queue.ReclaimStale(ctx, cfg.Worker.StaleAfter)
		if err != nil {
			logger.Plain().WithError(err).Error("stale-claim sweep failed")
		} else if reclaimed > 0 {
			metrics.RecordStaleReclaimed(int(reclaimed))
			logger.Plain().WithField("reclaimed", reclaimed).Info("reclaimed stale delivery claims")
		}

		depth, err := queue.Depth(ctx)
		if err != nil {
			logger.Plain().WithError(err).Error("queue depth read failed")
			return
		}
		metrics.UpdateQueueDepth(float64(depth))
	}); err != nil {
		logger.Plain().WithError(err).Fatal("invalid sweep schedule")
	}
	sched.Start()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", cfg.Worker.ID, i)
		w := delivery.NewWorker(id, queue, queue, gateway, policy, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	logger.Plain().WithField("concurrency", cfg.Worker.Concurrency).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	cancel()
	wg.Wait()
	<-sched.Stop().Done()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
