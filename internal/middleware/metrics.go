package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
	"github.com/mihaisavezi/claude-openai-bridge/internal/translator"
)

const metricsNamespace = "cob"

// Metrics owns the bridge's prometheus collectors. It is a middleware for
// the request series and an observer for the upstream and stream series.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	retries   *prometheus.CounterVec
	finishes  *prometheus.CounterVec
	truncated prometheus.Counter
	toolCalls prometheus.Counter
	tokens    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Requests served, by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time to finish a request, including the whole stream.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream attempts retried, by the status that caused it (0 for connection errors).",
		}, []string{"code"}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "completions_total",
			Help:      "Completions returned, by mode and finish reason.",
		}, []string{"mode", "finish_reason"}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_truncations_total",
			Help:      "Streams the upstream ended without a message_stop.",
		}),
		toolCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls relayed to clients.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the upstream, by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.requests, m.duration, m.inFlight,
		m.retries, m.finishes, m.truncated, m.toolCalls, m.tokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			m.inFlight.Inc()
			defer m.inFlight.Dec()

			next.ServeHTTP(wrapped, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}

			m.requests.WithLabelValues(route, strconv.Itoa(wrapped.status)).Inc()
			m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// ObserveRetry matches transport.Client.OnRetry.
func (m *Metrics) ObserveRetry(_ int, status int) {
	m.retries.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveCompletion(c *schema.ChatCompletion) {
	finish := "none"
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		finish = *c.Choices[0].FinishReason
	}

	m.finishes.WithLabelValues("sync", finish).Inc()

	if len(c.Choices) > 0 {
		m.toolCalls.Add(float64(len(c.Choices[0].Message.ToolCalls)))
	}

	if c.Usage != nil {
		m.addUsage(*c.Usage)
	}
}

func (m *Metrics) ObserveStream(stats translator.StreamStats) {
	finish := stats.FinishReason
	if finish == "" {
		finish = "none"
	}

	m.finishes.WithLabelValues("stream", finish).Inc()
	m.toolCalls.Add(float64(stats.ToolCalls))
	m.addUsage(stats.Usage)

	if stats.Truncated {
		m.truncated.Inc()
	}
}

func (m *Metrics) addUsage(u schema.Usage) {
	m.tokens.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	m.tokens.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}
