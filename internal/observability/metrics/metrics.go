package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AgentDesk/internal/agent"
	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
)

const namespace = "agentdesk"

// Metrics 汇总服务暴露的全部 Prometheus 指标。
//
// 与默认注册表隔离，测试可以各自创建实例而不会重复注册。
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequests 按路由、方法、状态码统计请求数。
	HTTPRequests *prometheus.CounterVec
	// HTTPErrors 只统计 5xx。
	HTTPErrors *prometheus.CounterVec
	// HTTPDuration 记录请求耗时，单位秒。
	HTTPDuration *prometheus.HistogramVec

	ModelCalls    *prometheus.CounterVec
	ModelDuration *prometheus.HistogramVec
	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
	RunIterations prometheus.Histogram
	RunDuration   prometheus.Histogram

	// SessionTransitions 记录会话状态迁移，标签 from/to。
	SessionTransitions *prometheus.CounterVec

	StreamDelivered *prometheus.CounterVec
	StreamDropped   *prometheus.CounterVec
}

var (
	_ agent.Metrics   = (*Metrics)(nil)
	_ stream.Observer = (*Metrics)(nil)
)

// New 创建并注册全部指标，同时挂上 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		HTTPErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Language model calls by outcome.",
		}, []string{"outcome"}),
		ModelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Language model call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_runs_total",
			Help:      "Agent loop runs by finishing reason.",
		}, []string{"reason"}),
		RunIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Model iterations consumed per loop run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 20, 50},
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_run_duration_seconds",
			Help:      "Wall time of a loop run in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		StreamDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_delivered_total",
			Help:      "Stream events delivered to subscribers.",
		}, []string{"type"}),
		StreamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_dropped_total",
			Help:      "Stream events that could not be delivered.",
		}, []string{"type", "reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPErrors, m.HTTPDuration,
		m.ModelCalls, m.ModelDuration,
		m.ToolCalls, m.ToolDuration,
		m.Runs, m.RunIterations, m.RunDuration,
		m.SessionTransitions,
		m.StreamDelivered, m.StreamDropped,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.HTTPErrors.WithLabelValues(handler, method).Inc()
	}
	m.HTTPDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ModelCall 实现 agent.Metrics。
func (m *Metrics) ModelCall(outcome string, elapsed time.Duration) {
	m.ModelCalls.WithLabelValues(outcome).Inc()
	m.ModelDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ToolCall 实现 agent.Metrics。
func (m *Metrics) ToolCall(name string, success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// RunFinished 实现 agent.Metrics。
func (m *Metrics) RunFinished(reason string, iterations int, elapsed time.Duration) {
	m.Runs.WithLabelValues(reason).Inc()
	m.RunIterations.Observe(float64(iterations))
	m.RunDuration.Observe(elapsed.Seconds())
}

// SessionTransition 可直接作为 session.WithTransitionHook 的回调。
func (m *Metrics) SessionTransition(from, to session.State) {
	m.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// Delivered 实现 stream.Observer。
func (m *Metrics) Delivered(t stream.EventType) {
	m.StreamDelivered.WithLabelValues(string(t)).Inc()
}

// Dropped 实现 stream.Observer。
func (m *Metrics) Dropped(t stream.EventType, reason string) {
	m.StreamDropped.WithLabelValues(string(t), reason).Inc()
}
