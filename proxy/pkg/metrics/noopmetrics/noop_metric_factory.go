package noopmetrics

import (
	"net/http"
	"time"

	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
)

type noopCounter struct{}

func (noopCounter) Add(valueToAdd int) {}

type noopGauge struct{}

func (noopGauge) Add(valueToAdd int)           {}
func (noopGauge) Subtract(valueToSubtract int) {}

type noopHistogram struct{}

func (noopHistogram) Track(begin time.Time) {}

type NoopMetricFactory struct{}

func NewNoopMetricFactory() *NoopMetricFactory {
	return &NoopMetricFactory{}
}

func (recv *NoopMetricFactory) GetOrCreateCounter(mn metrics.Metric) (metrics.Counter, error) {
	return noopCounter{}, nil
}

func (recv *NoopMetricFactory) GetOrCreateGauge(mn metrics.Metric) (metrics.Gauge, error) {
	return noopGauge{}, nil
}

func (recv *NoopMetricFactory) GetOrCreateHistogram(mn metrics.Metric, buckets []float64) (metrics.Histogram, error) {
	return noopHistogram{}, nil
}

func (recv *NoopMetricFactory) UnregisterAllMetrics() error {
	return nil
}

// Returns the http handler implementation for the metrics endpoint.
func (recv *NoopMetricFactory) HttpHandler() http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "Metrics are disabled on this proxy instance.", http.StatusNotFound)
	})
}
