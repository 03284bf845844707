package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	muxtrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorilla/mux"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"teams-messenger/internal/config"
	"teams-messenger/internal/logging"
	"teams-messenger/internal/metrics"
	natsclient "teams-messenger/internal/nats"
)

func main() {
	tracer.Start(
		tracer.WithService("teams-api"),
		tracer.WithEnv(os.Getenv("DD_ENV")),
	)
	defer tracer.Stop()

	if err := godotenv.Load(); err != nil {
		logrus.Warn(".env file not found, reading configuration from the environment")
	}
	svc := config.LoadService()
	logging.Setup(svc.LogLevel)

	nc, js, err := natsclient.Setup(svc.NatsURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up NATS")
	}
	defer nc.Close()

	m := metrics.NewMetrics()
	router := muxtrace.NewRouter(muxtrace.WithServiceName("teams-api"))
	newHandler(js, m, logrus.StandardLogger()).register(router.Router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              ":" + svc.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("port", svc.Port).Info("API service starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("API server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Graceful shutdown failed")
	}
}
