package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"teams-messenger/internal/config"
	"teams-messenger/internal/db"
	"teams-messenger/internal/graph"
	"teams-messenger/internal/logging"
	"teams-messenger/internal/metrics"
	natsclient "teams-messenger/internal/nats"
	"teams-messenger/internal/worker"
)

func main() {
	tracer.Start(
		tracer.WithService("teams-worker"),
		tracer.WithEnv(os.Getenv("DD_ENV")),
	)
	defer tracer.Stop()

	if err := godotenv.Load(); err != nil {
		logrus.Warn(".env file not found, reading configuration from the environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
	defer metricsServer.Close()

	// The database is only needed for app_tag targets and the job log.
	var store worker.Store
	dbCfg, err := db.Load()
	switch {
	case errors.Is(err, db.ErrNotConfigured):
		logrus.Info("No database configured, app_tag targets are disabled")
	case err != nil:
		logrus.WithError(err).Fatal("Failed to load database configuration")
	default:
		dbClient, err := db.NewClient(dbCfg.Driver, dbCfg.DSN)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		defer dbClient.Close()
		store = dbClient
	}

	nc, js, err := natsclient.Setup(cfg.NatsURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up NATS")
	}
	defer nc.Close()

	graphClient := graph.NewClient(cfg,
		graph.WithHTTPClient(httptrace.WrapClient(&http.Client{Timeout: 20 * time.Second})),
		graph.WithLogger(logrus.StandardLogger()),
		graph.WithObserver(m),
	)

	teamsWorker, err := worker.New(js, graphClient, store, m, logrus.StandardLogger())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create worker")
	}

	teamsWorker.Run(ctx, cfg.WorkerCount)
}
