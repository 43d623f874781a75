package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/health"
	"github.com/datastax/cql-interceptor/proxy/pkg/httpinterceptor"
	"github.com/datastax/cql-interceptor/proxy/pkg/interceptor"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics/noopmetrics"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics/prommetrics"
)

func SetupHandlers() (metricsHandler *httpinterceptor.HandlerWithFallback, readinessHandler *httpinterceptor.HandlerWithFallback) {
	metricsHandler = httpinterceptor.NewHandlerWithFallback(metrics.DefaultHttpHandler())
	readinessHandler = httpinterceptor.NewHandlerWithFallback(health.DefaultReadinessHandler())

	http.Handle("/metrics", metricsHandler.Handler())
	http.Handle("/health/readiness", readinessHandler.Handler())
	http.Handle("/health/liveness", health.LivenessHandler())
	return metricsHandler, readinessHandler
}

func RunMain(
	conf *config.Config,
	ctx context.Context,
	metricsHandler *httpinterceptor.HandlerWithFallback,
	readinessHandler *httpinterceptor.HandlerWithFallback) {

	log.Info("Starting http server.")
	wg := &sync.WaitGroup{}
	srv := httpinterceptor.StartHttpServer(fmt.Sprintf("%s:%d", conf.ProxyMetricsAddress, conf.ProxyMetricsPort), wg)

	var metricFactory metrics.MetricFactory
	if conf.EnableMetrics {
		metricFactory = prommetrics.NewPrometheusMetricFactory()
	} else {
		metricFactory = noopmetrics.NewNoopMetricFactory()
	}

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	p, err := interceptor.RunWithRetries(conf, ctx, b, metricFactory)

	if err == nil {
		metricsHandler.SetHandler(metricFactory.HttpHandler())
		readinessHandler.SetHandler(health.ReadinessHandler(p))
		log.Infof("Proxy started, intercepting on %v. Waiting for SIGINT/SIGTERM to shutdown.", p.RunningNodes())

		<-ctx.Done()

		p.Shutdown()
	} else if !errors.Is(err, interceptor.ShutdownErr) {
		log.Errorf("Error launching proxy: %v", err)
	}

	log.Info("Shutting down the http server, waiting up to 5 seconds.")
	srvShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(srvShutdownCtx); err != nil {
		log.Errorf("Failed to gracefully shutdown the http server: %v", err)
	}

	wg.Wait()
	log.Info("Http server shutdown.")
}
