package metrics

import (
	"fmt"
)

var (
	OpenClientConnections = NewMetric(
		"open_client_connections",
		"Number of client connections currently intercepted by this proxy instance")

	FailedNodeConnections = NewMetric(
		"failed_node_connections_total",
		"Number of accepted client connections that were reset because the real node could not be reached")

	FramesInterceptedToNode = NewMetricWithLabels(
		"frames_intercepted_total",
		"Number of frames decoded and evaluated against the rule sets",
		map[string]string{"direction": "to_node"})

	FramesInterceptedToDriver = NewMetricWithLabels(
		"frames_intercepted_total",
		"Number of frames decoded and evaluated against the rule sets",
		map[string]string{"direction": "to_driver"})

	RulesMatched = NewMetric(
		"rules_matched_total",
		"Number of frames for which a non-default rule fired")

	FramesForged = NewMetric(
		"frames_forged_total",
		"Number of frames synthesized by Forge and ForgeWithError reactions")

	FramesDropped = NewMetric(
		"frames_dropped_total",
		"Number of frames discarded by Drop reactions")

	FramesUndelivered = NewMetric(
		"frames_undelivered_total",
		"Number of scheduled frames still queued when their connection terminated")

	ConnectionErrors = NewMetric(
		"connection_errors_total",
		"Number of connections torn down by codec or socket errors")

	FeedbackEventsDropped = NewMetric(
		"feedback_events_dropped_total",
		"Number of feedback events discarded because a subscriber channel was full (drop policy only)")

	ScheduledWriteLag = NewMetric(
		"scheduled_write_lag_seconds",
		"Time between a scheduled frame's release time and the moment it was written to the socket")
)

// DefaultScheduledWriteLagBuckets are in seconds.
var DefaultScheduledWriteLagBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// InterceptorMetrics bundles every metric the interception engine updates.
// Created once per proxy instance and shared by all workers.
type InterceptorMetrics struct {
	OpenClientConnections Gauge
	FailedNodeConnections Counter

	FramesInterceptedToNode   Counter
	FramesInterceptedToDriver Counter

	RulesMatched      Counter
	FramesForged      Counter
	FramesDropped     Counter
	FramesUndelivered Counter
	ConnectionErrors  Counter

	FeedbackEventsDropped Counter

	ScheduledWriteLag Histogram
}

func CreateInterceptorMetrics(metricFactory MetricFactory) (*InterceptorMetrics, error) {
	openClientConnections, err := metricFactory.GetOrCreateGauge(OpenClientConnections)
	if err != nil {
		return nil, failedToCreateMetric(OpenClientConnections, err)
	}

	failedNodeConnections, err := metricFactory.GetOrCreateCounter(FailedNodeConnections)
	if err != nil {
		return nil, failedToCreateMetric(FailedNodeConnections, err)
	}

	framesToNode, err := metricFactory.GetOrCreateCounter(FramesInterceptedToNode)
	if err != nil {
		return nil, failedToCreateMetric(FramesInterceptedToNode, err)
	}

	framesToDriver, err := metricFactory.GetOrCreateCounter(FramesInterceptedToDriver)
	if err != nil {
		return nil, failedToCreateMetric(FramesInterceptedToDriver, err)
	}

	rulesMatched, err := metricFactory.GetOrCreateCounter(RulesMatched)
	if err != nil {
		return nil, failedToCreateMetric(RulesMatched, err)
	}

	framesForged, err := metricFactory.GetOrCreateCounter(FramesForged)
	if err != nil {
		return nil, failedToCreateMetric(FramesForged, err)
	}

	framesDropped, err := metricFactory.GetOrCreateCounter(FramesDropped)
	if err != nil {
		return nil, failedToCreateMetric(FramesDropped, err)
	}

	framesUndelivered, err := metricFactory.GetOrCreateCounter(FramesUndelivered)
	if err != nil {
		return nil, failedToCreateMetric(FramesUndelivered, err)
	}

	connectionErrors, err := metricFactory.GetOrCreateCounter(ConnectionErrors)
	if err != nil {
		return nil, failedToCreateMetric(ConnectionErrors, err)
	}

	feedbackEventsDropped, err := metricFactory.GetOrCreateCounter(FeedbackEventsDropped)
	if err != nil {
		return nil, failedToCreateMetric(FeedbackEventsDropped, err)
	}

	scheduledWriteLag, err := metricFactory.GetOrCreateHistogram(ScheduledWriteLag, DefaultScheduledWriteLagBuckets)
	if err != nil {
		return nil, failedToCreateMetric(ScheduledWriteLag, err)
	}

	return &InterceptorMetrics{
		OpenClientConnections:     openClientConnections,
		FailedNodeConnections:     failedNodeConnections,
		FramesInterceptedToNode:   framesToNode,
		FramesInterceptedToDriver: framesToDriver,
		RulesMatched:              rulesMatched,
		FramesForged:              framesForged,
		FramesDropped:             framesDropped,
		FramesUndelivered:         framesUndelivered,
		ConnectionErrors:          connectionErrors,
		FeedbackEventsDropped:     feedbackEventsDropped,
		ScheduledWriteLag:         scheduledWriteLag,
	}, nil
}

func failedToCreateMetric(mn Metric, err error) error {
	return fmt.Errorf("failed to create metric %v: %w", mn, err)
}
