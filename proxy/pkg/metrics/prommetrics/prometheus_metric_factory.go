package prommetrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
)

type PrometheusCounter struct {
	c prometheus.Counter
}

func (recv *PrometheusCounter) Add(valueToAdd int) {
	recv.c.Add(float64(valueToAdd))
}

type PrometheusGauge struct {
	g prometheus.Gauge
}

func (recv *PrometheusGauge) Add(valueToAdd int) {
	recv.g.Add(float64(valueToAdd))
}

func (recv *PrometheusGauge) Subtract(valueToSubtract int) {
	recv.g.Sub(float64(valueToSubtract))
}

type PrometheusHistogram struct {
	h prometheus.Observer
}

func (recv *PrometheusHistogram) Track(begin time.Time) {
	// Use seconds to track time, see https://prometheus.io/docs/practices/naming/#base-units
	elapsedTimeInSeconds := float64(time.Since(begin)) / float64(time.Second)
	recv.h.Observe(elapsedTimeInSeconds)
}

// PrometheusMetricFactory registers every created metric on its own registry
// so that tests (and repeated proxy instances in one process) don't collide on
// the global default registry.
type PrometheusMetricFactory struct {
	registry *prometheus.Registry

	lock       sync.Mutex
	collectors map[uint32]prometheus.Collector
	created    map[uint32]interface{}
}

func NewPrometheusMetricFactory() *PrometheusMetricFactory {
	return &PrometheusMetricFactory{
		registry:   prometheus.NewRegistry(),
		collectors: make(map[uint32]prometheus.Collector),
		created:    make(map[uint32]interface{}),
	}
}

func (recv *PrometheusMetricFactory) Registry() *prometheus.Registry {
	return recv.registry
}

func (recv *PrometheusMetricFactory) GetOrCreateCounter(mn metrics.Metric) (metrics.Counter, error) {
	recv.lock.Lock()
	defer recv.lock.Unlock()

	if existing, ok := recv.created[mn.GetUniqueIdentifier()]; ok {
		counter, ok := existing.(*PrometheusCounter)
		if !ok {
			return nil, fmt.Errorf("metric %v is already registered with a different type", mn)
		}
		return counter, nil
	}

	promCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        mn.GetName(),
		Help:        mn.GetDescription(),
		ConstLabels: mn.GetLabels(),
	})
	if err := recv.registry.Register(promCounter); err != nil {
		return nil, err
	}

	c := &PrometheusCounter{c: promCounter}
	recv.collectors[mn.GetUniqueIdentifier()] = promCounter
	recv.created[mn.GetUniqueIdentifier()] = c
	return c, nil
}

func (recv *PrometheusMetricFactory) GetOrCreateGauge(mn metrics.Metric) (metrics.Gauge, error) {
	recv.lock.Lock()
	defer recv.lock.Unlock()

	if existing, ok := recv.created[mn.GetUniqueIdentifier()]; ok {
		gauge, ok := existing.(metrics.Gauge)
		if !ok {
			return nil, fmt.Errorf("metric %v is already registered with a different type", mn)
		}
		return gauge, nil
	}

	promGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        mn.GetName(),
		Help:        mn.GetDescription(),
		ConstLabels: mn.GetLabels(),
	})
	if err := recv.registry.Register(promGauge); err != nil {
		return nil, err
	}

	g := &PrometheusGauge{g: promGauge}
	recv.collectors[mn.GetUniqueIdentifier()] = promGauge
	recv.created[mn.GetUniqueIdentifier()] = g
	return g, nil
}

func (recv *PrometheusMetricFactory) GetOrCreateHistogram(mn metrics.Metric, buckets []float64) (metrics.Histogram, error) {
	recv.lock.Lock()
	defer recv.lock.Unlock()

	if existing, ok := recv.created[mn.GetUniqueIdentifier()]; ok {
		histogram, ok := existing.(metrics.Histogram)
		if !ok {
			return nil, fmt.Errorf("metric %v is already registered with a different type", mn)
		}
		return histogram, nil
	}

	promHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        mn.GetName(),
		Help:        mn.GetDescription(),
		ConstLabels: mn.GetLabels(),
		Buckets:     buckets,
	})
	if err := recv.registry.Register(promHistogram); err != nil {
		return nil, err
	}

	h := &PrometheusHistogram{h: promHistogram}
	recv.collectors[mn.GetUniqueIdentifier()] = promHistogram
	recv.created[mn.GetUniqueIdentifier()] = h
	return h, nil
}

func (recv *PrometheusMetricFactory) UnregisterAllMetrics() error {
	recv.lock.Lock()
	defer recv.lock.Unlock()

	failed := 0
	for identifier, collector := range recv.collectors {
		if !recv.registry.Unregister(collector) {
			failed++
			continue
		}
		delete(recv.collectors, identifier)
		delete(recv.created, identifier)
	}

	if failed > 0 {
		return fmt.Errorf("failed to unregister %d metrics", failed)
	}
	return nil
}

func (recv *PrometheusMetricFactory) HttpHandler() http.Handler {
	return promhttp.HandlerFor(recv.registry, promhttp.HandlerOpts{})
}
