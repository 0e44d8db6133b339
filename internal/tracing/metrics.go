package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Trigger labels distinguishing how an execution entered the engine.
const (
	TriggerSync  = "sync"
	TriggerQueue = "queue"
)

// MetricsCollector collects Prometheus-compatible metrics for workflow
// executions. All record methods are safe to call on a nil collector, so
// components can treat metrics as optional.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	executionsTotal metric.Int64Counter
	cacheHitsTotal  metric.Int64Counter
	poisonedTotal   metric.Int64Counter

	// Gauges (using observable gauges)
	activeExecutions map[string]bool
	activeMu         sync.RWMutex
	queueDepth       int64
	queueDepthMu     sync.RWMutex

	// Histograms
	executionDuration metric.Float64Histogram
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("bifrost")

	mc := &MetricsCollector{
		meter:            meter,
		activeExecutions: make(map[string]bool),
	}

	var err error

	mc.executionsTotal, err = meter.Int64Counter(
		"bifrost_executions_total",
		metric.WithDescription("Total number of workflow executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.cacheHitsTotal, err = meter.Int64Counter(
		"bifrost_cache_hits_total",
		metric.WithDescription("Total number of executions served from the result cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	mc.poisonedTotal, err = meter.Int64Counter(
		"bifrost_poisoned_deliveries_total",
		metric.WithDescription("Total number of queue deliveries failed as poisoned"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	mc.executionDuration, err = meter.Float64Histogram(
		"bifrost_execution_duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"bifrost_active_executions",
		metric.WithDescription("Number of currently running workflow executions"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeMu.RLock()
			count := len(mc.activeExecutions)
			mc.activeMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"bifrost_queue_depth",
		metric.WithDescription("Number of executions waiting in the queue"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordExecutionStart records the start of a workflow execution
func (mc *MetricsCollector) RecordExecutionStart(ctx context.Context, executionID, workflowName string) {
	if mc == nil {
		return
	}
	mc.activeMu.Lock()
	mc.activeExecutions[executionID] = true
	mc.activeMu.Unlock()
}

// RecordExecutionComplete records the completion of a workflow execution
func (mc *MetricsCollector) RecordExecutionComplete(ctx context.Context, executionID, workflowName, status, trigger string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.activeMu.Lock()
	delete(mc.activeExecutions, executionID)
	mc.activeMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowName),
		attribute.String("status", status),
		attribute.String("trigger", trigger),
	}

	mc.executionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheHit records an execution answered from the result cache
func (mc *MetricsCollector) RecordCacheHit(ctx context.Context, workflowName string) {
	if mc == nil {
		return
	}
	mc.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowName),
	))
}

// RecordPoisoned records deliveries that exceeded their attempt budget
func (mc *MetricsCollector) RecordPoisoned(ctx context.Context, count int64) {
	if mc == nil || count <= 0 {
		return
	}
	mc.poisonedTotal.Add(ctx, count)
}

// IncrementQueueDepth increments the pending queue depth gauge
func (mc *MetricsCollector) IncrementQueueDepth() {
	if mc == nil {
		return
	}
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending queue depth gauge
func (mc *MetricsCollector) DecrementQueueDepth() {
	if mc == nil {
		return
	}
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}
