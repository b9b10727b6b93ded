package services

import (
	"sync/atomic"
	"time"

	"deploy-keeper/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_http_requests_total",
			Help: "Total HTTP requests handled by the keeper API",
		},
		[]string{"path"},
	)

	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_http_request_errors_total",
			Help: "HTTP requests answered with status >= 400",
		},
		[]string{"path"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_operations_total",
			Help: "Finished deployment operations by command and terminal state",
		},
		[]string{"command", "state"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_operation_duration_seconds",
			Help:    "Duration of deployment operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"command"},
	)

	operationsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_operations_inflight",
			Help: "Deployment operations still running",
		},
	)

	descriptorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_descriptor_events_total",
			Help: "Descriptor change events dispatched to subscribers",
		},
		[]string{"kind"},
	)

	totalRequests int64
	totalErrors   int64
)

func init() {
	prometheus.MustRegister(requestCount, requestErrors, requestDuration)
	prometheus.MustRegister(operationsTotal, operationDuration, operationsInflight, descriptorEvents)
}

// IncrementRequestCount 增加请求计数
func IncrementRequestCount(path string) {
	requestCount.WithLabelValues(path).Inc()
	atomic.AddInt64(&totalRequests, 1)
}

// IncrementErrorCount 增加错误请求计数
func IncrementErrorCount(path string) {
	requestErrors.WithLabelValues(path).Inc()
	atomic.AddInt64(&totalErrors, 1)
}

// RecordRequestDuration 记录请求处理时间
func RecordRequestDuration(path string, seconds float64) {
	requestDuration.WithLabelValues(path).Observe(seconds)
}

func GetTotalRequestCount() int64 {
	return atomic.LoadInt64(&totalRequests)
}

func GetTotalErrorCount() int64 {
	return atomic.LoadInt64(&totalErrors)
}

func operationStarted() {
	operationsInflight.Inc()
}

func operationFinished(status models.DeploymentStatus, elapsed time.Duration) {
	operationsInflight.Dec()
	operationsTotal.WithLabelValues(string(status.Command), string(status.State)).Inc()
	operationDuration.WithLabelValues(string(status.Command)).Observe(elapsed.Seconds())
}

// RecordDescriptorEvent counts one dispatched descriptor change.
func RecordDescriptorEvent(kind string) {
	descriptorEvents.WithLabelValues(kind).Inc()
}
