// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/checkpoint"
)

// Collector 指标收集器
//
// It implements checkpoint.Monitor so the engine reports every
// checkpoint operation without knowing about Prometheus or OTel.
type Collector struct {
	// 检查点指标
	checkpointOpsTotal   *prometheus.CounterVec
	checkpointOpDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	tracer trace.Tracer
	logger *zap.Logger
}

var (
	_ checkpoint.Monitor      = (*Collector)(nil)
	_ checkpoint.CacheMonitor = (*Collector)(nil)
)

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		tracer: otel.Tracer("threadflow/checkpoint"),
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 检查点指标
	c.checkpointOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Total number of checkpoint operations",
		},
		[]string{"operation", "status"},
	)

	c.checkpointOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_operation_duration_seconds",
			Help:      "Checkpoint operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// StartOperation 记录检查点操作开始，并开启一个追踪 span
func (c *Collector) StartOperation(ctx context.Context, operation, threadID, workflowID string) checkpoint.OperationToken {
	_, span := c.tracer.Start(ctx, "checkpoint."+operation,
		trace.WithAttributes(
			attribute.String("checkpoint.operation", operation),
			attribute.String("thread.id", threadID),
			attribute.String("workflow.id", workflowID),
		),
	)

	return checkpoint.OperationToken{
		Operation:  operation,
		ThreadID:   threadID,
		WorkflowID: workflowID,
		StartedAt:  time.Now(),
		Payload:    span,
	}
}

// EndOperation 记录检查点操作结束
func (c *Collector) EndOperation(token checkpoint.OperationToken, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	c.checkpointOpsTotal.WithLabelValues(token.Operation, status).Inc()
	c.checkpointOpDuration.WithLabelValues(token.Operation).Observe(time.Since(token.StartedAt).Seconds())

	if span, ok := token.Payload.(trace.Span); ok {
		if !success {
			span.SetStatus(codes.Error, "operation failed")
		}
		span.End()
	}
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
