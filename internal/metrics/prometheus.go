package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the animation stream service.
// All Record and Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	// UDP ingest metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge
	FramesSent       prometheus.Counter

	// Session pool metrics
	SessionsAllocated prometheus.Counter
	ActiveSessions    prometheus.Gauge
	PoolSlots         prometheus.Gauge
	SessionsReaped    prometheus.Counter
	StreamDuration    prometheus.Histogram

	// Backend metrics
	BackendCalls       *prometheus.CounterVec
	BackendLatency     *prometheus.HistogramVec
	InstancesRecreated prometheus.Counter

	// Audio session metrics
	SamplesSent      prometheus.Counter
	ChunksDispatched prometheus.Counter
	SendFailures     prometheus.Counter
	MisuseDetected   *prometheus.CounterVec

	// Persistent stream worker metrics
	WorkerRetries       prometheus.Counter
	WorkerFrames        prometheus.Counter
	WorkerPaddedSamples prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP ingest metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anim_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_frames_sent_total",
			Help: "Total number of animation frame packets sent to clients",
		}),

		// Session pool metrics
		SessionsAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_sessions_allocated_total",
			Help: "Total number of stream sessions allocated from the pool",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anim_active_sessions",
			Help: "Current number of stream sessions not in the Available state",
		}),
		PoolSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anim_pool_slots",
			Help: "Current number of slots in the session pool",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_sessions_reaped_total",
			Help: "Total number of idle sessions reclaimed by the reaper",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anim_stream_duration_seconds",
			Help:    "Duration of stream sessions from allocation to release",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),

		// Backend metrics
		BackendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anim_backend_calls_total",
			Help: "Total number of backend evaluate calls",
		}, []string{"operation", "result"}),
		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anim_backend_call_duration_seconds",
			Help:    "Duration of backend evaluate calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"operation"}),
		InstancesRecreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_instances_recreated_total",
			Help: "Total number of backend instances destroyed after being lost",
		}),

		// Audio session metrics
		SamplesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_samples_sent_total",
			Help: "Total number of audio samples sent to the backend",
		}),
		ChunksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_chunks_dispatched_total",
			Help: "Total number of animation chunks delivered to consumers",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_send_failures_total",
			Help: "Total number of audio sends rejected by a session or backend",
		}),
		MisuseDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anim_misuse_detected_total",
			Help: "Total number of detected caller misuse events",
		}, []string{"kind"}),

		// Persistent stream worker metrics
		WorkerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_worker_retries_total",
			Help: "Total number of persistent stream retries after an invalid stream id",
		}),
		WorkerFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_worker_frames_total",
			Help: "Total number of frames received by persistent stream workers",
		}),
		WorkerPaddedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "anim_worker_padded_samples_total",
			Help: "Total number of silence samples inserted to align worker audio with timestamps",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anim_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anim_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anim_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// RecordFrameSent increments the frames sent counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordSessionAllocated records a pool allocation and the resulting pool size
func (m *Metrics) RecordSessionAllocated(poolSlots int) {
	if m == nil {
		return
	}
	m.SessionsAllocated.Inc()
	m.ActiveSessions.Inc()
	m.PoolSlots.Set(float64(poolSlots))
}

// RecordSessionReleased records a session returning to the pool
func (m *Metrics) RecordSessionReleased(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordSessionReaped increments the reaped sessions counter
func (m *Metrics) RecordSessionReaped() {
	if m == nil {
		return
	}
	m.SessionsReaped.Inc()
}

// RecordBackendCall records one evaluate call and its outcome
func (m *Metrics) RecordBackendCall(operation string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendCalls.WithLabelValues(operation, result).Inc()
	m.BackendLatency.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordInstanceRecreated increments the lost instance counter
func (m *Metrics) RecordInstanceRecreated() {
	if m == nil {
		return
	}
	m.InstancesRecreated.Inc()
}

// RecordSamplesSent adds to the samples sent counter
func (m *Metrics) RecordSamplesSent(n int) {
	if m == nil {
		return
	}
	m.SamplesSent.Add(float64(n))
}

// RecordChunkDispatched increments the dispatched chunks counter
func (m *Metrics) RecordChunkDispatched() {
	if m == nil {
		return
	}
	m.ChunksDispatched.Inc()
}

// RecordSendFailure increments the send failures counter
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// RecordMisuse records a detected caller misuse of the given kind
func (m *Metrics) RecordMisuse(kind string) {
	if m == nil {
		return
	}
	m.MisuseDetected.WithLabelValues(kind).Inc()
}

// RecordWorkerRetry increments the worker retry counter
func (m *Metrics) RecordWorkerRetry() {
	if m == nil {
		return
	}
	m.WorkerRetries.Inc()
}

// RecordWorkerFrame records one worker frame and the padding it needed
func (m *Metrics) RecordWorkerFrame(paddedSamples int) {
	if m == nil {
		return
	}
	m.WorkerFrames.Inc()
	if paddedSamples > 0 {
		m.WorkerPaddedSamples.Add(float64(paddedSamples))
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
