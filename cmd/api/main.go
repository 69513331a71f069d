package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newscourier/internal/api"
	"newscourier/internal/auth"
	"newscourier/internal/config"
	"newscourier/internal/db"
	"newscourier/internal/delivery"
	"newscourier/internal/idempotency"
	"newscourier/internal/issue"
	"newscourier/internal/logging"
	"newscourier/internal/mailer"
	"newscourier/internal/metrics"
	"newscourier/internal/subscriber"
	"newscourier/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("newscourier-api")

	shutdownTracing, err := tracing.InitTracing(ctx, "newscourier-api")
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

	validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid operator public key")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	directory := subscriber.NewDirectory(pool, logger)
	store := idempotency.NewStore(pool)
	orchestrator := issue.NewOrchestrator(pool, store, directory, logger)
	gateway := mailer.NewClient(cfg.Mailer)
	queue := delivery.NewQueue(pool)

	server := api.NewServer(orchestrator, directory, queue, gateway, cfg.BaseURL, logger)
	handler := server.Handler(validator, pool, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api server")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("api server stopped")
}
