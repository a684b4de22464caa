package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "clinic"

// Metrics 会话、媒体与控制接口的 Prometheus 指标
// 所有 Record 方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	SessionActive     prometheus.Gauge
	SessionDuration   prometheus.Histogram
	StateTransitions  *prometheus.CounterVec
	AudioChunksTotal  prometheus.Counter
	RTPPacketsTotal   *prometheus.CounterVec
	ICEFallbacksTotal prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	ToolCallsTotal    *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
}

// NewMetrics 创建独立 registry 的指标集
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions started, by outcome",
		}, []string{"outcome"}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a session is active",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{5, 30, 60, 120, 300, 600, 1800},
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state",
		}, []string{"state"}),
		AudioChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "input_audio_buffer.append messages sent",
		}),
		RTPPacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_received_total",
			Help:      "Remote RTP packets received, by kind",
		}, []string{"kind"}),
		ICEFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_fallbacks_total",
			Help:      "ICE server fetches that fell back to the default STUN server",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by kind",
		}, []string{"kind"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Completed tool calls, by tool name",
		}, []string{"tool"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_percent",
			Help:      "Host CPU usage",
		}),
		MemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_percent",
			Help:      "Host memory usage",
		}),
	}

	registry.MustRegister(
		m.SessionsTotal,
		m.SessionActive,
		m.SessionDuration,
		m.StateTransitions,
		m.AudioChunksTotal,
		m.RTPPacketsTotal,
		m.ICEFallbacksTotal,
		m.ErrorsTotal,
		m.ToolCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CPUPercent,
		m.MemoryPercent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 测试用
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart(outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordState 记录状态迁移，active 时置 1，idle 时记录时长
func (m *Metrics) RecordState(state string, activeFor time.Duration) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
	switch state {
	case "active":
		m.SessionActive.Set(1)
	case "idle":
		m.SessionActive.Set(0)
		if activeFor > 0 {
			m.SessionDuration.Observe(activeFor.Seconds())
		}
	}
}

func (m *Metrics) RecordAudioChunks(n int) {
	if m == nil {
		return
	}
	m.AudioChunksTotal.Add(float64(n))
}

func (m *Metrics) RecordRTPPacket(kind string) {
	if m == nil {
		return
	}
	m.RTPPacketsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordICEFallback() {
	if m == nil {
		return
	}
	m.ICEFallbacksTotal.Inc()
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordToolCall(tool string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
