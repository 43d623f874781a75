package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/runner"
)

func runSignalListener(cancelFunc context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Debug("received signal:", sig)

		// let sub-task know to wrap up: cancel
		cancelFunc()
	}()
}

func main() {
	conf, err := config.New().ParseEnvVars()
	if err != nil {
		log.Errorf("Error loading configuration: %v. Aborting startup.", err)
		os.Exit(-1)
	}

	logLevel, err := conf.ParseLogLevel()
	if err != nil {
		log.Errorf("Error loading log level configuration: %v. Aborting startup.", err)
		os.Exit(-1)
	}
	log.SetLevel(logLevel)

	ctx, cancelFunc := context.WithCancel(context.Background())
	runSignalListener(cancelFunc)
	log.Info("SIGINT/SIGTERM listener started.")

	metricsHandler, readinessHandler := runner.SetupHandlers()
	runner.RunMain(conf, ctx, metricsHandler, readinessHandler)
}
