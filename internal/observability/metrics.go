package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize     *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	dequeueTotal  *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	abandonedTotal   prometheus.Counter

	timerPending   prometheus.Gauge
	timerFired     prometheus.Counter
	timerCancelled prometheus.Counter

	streamChunks       *prometheus.CounterVec
	streamDecodeErrors prometheus.Counter
	streamDuration     *prometheus.HistogramVec
	retryAttempts      *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec

	ingressTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by queue name.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by queue name.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue operations by queue name.",
				},
				[]string{"queue"},
			),
			rejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_rejected_total",
					Help: "Enqueue attempts rejected because the queue was closed.",
				},
				[]string{"queue"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scheduler_dispatch_total",
					Help: "Handler invocations by kind (task, event) and status (success, error, panic).",
				},
				[]string{"kind", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "scheduler_dispatch_duration_seconds",
					Help:    "Handler execution duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			abandonedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "scheduler_abandoned_tasks_total",
					Help: "Queued tasks discarded at shutdown because draining was disabled.",
				},
			),
			timerPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "scheduler_timer_pending",
					Help: "Scheduled events waiting for their due time.",
				},
			),
			timerFired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "scheduler_timer_fired_total",
					Help: "Scheduled events moved to the task queue.",
				},
			),
			timerCancelled: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "scheduler_timer_cancelled_total",
					Help: "Scheduled events cancelled explicitly or by shutdown.",
				},
			),
			streamChunks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_deltas_total",
					Help: "Streaming deltas assembled by kind.",
				},
				[]string{"kind"},
			),
			streamDecodeErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stream_decode_errors_total",
					Help: "Stream payloads skipped because they could not be decoded.",
				},
			),
			streamDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "stream_duration_seconds",
					Help:    "Time to drive a stream to completion, including retries.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			retryAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_attempts_total",
					Help: "Retry wrapper attempts by operation and outcome.",
				},
				[]string{"operation", "outcome"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_open",
					Help: "Circuit breaker state (1 open, 0.5 half-open, 0 closed).",
				},
				[]string{"name"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			ingressTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ingress_messages_total",
					Help: "Inbound messages by channel and status.",
				},
				[]string{"channel", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.rejectedTotal,
			m.dispatchTotal,
			m.dispatchDuration,
			m.abandonedTotal,
			m.timerPending,
			m.timerFired,
			m.timerCancelled,
			m.streamChunks,
			m.streamDecodeErrors,
			m.streamDuration,
			m.retryAttempts,
			m.breakerState,
			m.agentRunTotal,
			m.agentRunDuration,
			m.ingressTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueDequeue(queue string, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueRejected(queue string) {
	getMetrics().rejectedTotal.WithLabelValues(queue).Inc()
}

func SetQueueSize(queue string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

// RecordDispatch records one handler invocation. status is one of
// "success", "error" or "panic".
func RecordDispatch(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(kind, status).Inc()
	m.dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordAbandonedTasks(count int) {
	getMetrics().abandonedTotal.Add(float64(count))
}

func SetTimerPending(count int) {
	getMetrics().timerPending.Set(float64(count))
}

func RecordTimerFired() {
	getMetrics().timerFired.Inc()
}

func RecordTimerCancelled(count int) {
	getMetrics().timerCancelled.Add(float64(count))
}

func RecordStreamDelta(kind string) {
	getMetrics().streamChunks.WithLabelValues(kind).Inc()
}

func RecordStreamDecodeError() {
	getMetrics().streamDecodeErrors.Inc()
}

func RecordStreamDuration(duration time.Duration, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().streamDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRetryAttempt records the outcome of one attempt: "success",
// "retry", "exhausted" or "permanent".
func RecordRetryAttempt(operation, outcome string) {
	getMetrics().retryAttempts.WithLabelValues(operation, outcome).Inc()
}

func SetBreakerState(name string, value float64) {
	getMetrics().breakerState.WithLabelValues(name).Set(value)
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordIngress(channel, status string) {
	getMetrics().ingressTotal.WithLabelValues(channel, status).Inc()
}
