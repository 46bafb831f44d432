package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/plugin"
	"hatago-plugin-host/pkg/signing"
)

const namespace = "hatago"

// Metrics 汇总宿主暴露的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestErrorsTotal *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec

	TransitionsTotal   *prometheus.CounterVec
	LoadFailuresTotal  *prometheus.CounterVec
	PluginsLoaded      prometheus.Gauge
	VerificationsTotal *prometheus.CounterVec
}

// New 创建指标并注册到 registry，registry 为空时新建一个。
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"handler", "method", "code"},
		),
		HTTPRequestErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_errors_total",
				Help:      "Total number of HTTP requests that resulted in a server error.",
			},
			[]string{"handler", "method"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"handler", "method"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_transitions_total",
				Help:      "Host state transitions applied, by operation and resulting state.",
			},
			[]string{"op", "to"},
		),
		LoadFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_load_failures_total",
				Help:      "Plugin loads that left the host in the error state, by error code.",
			},
			[]string{"code"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_loaded",
				Help:      "Number of plugins currently registered with the host.",
			},
		),
		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signature_verifications_total",
				Help:      "Plugin signature verifications, by status.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestErrorsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.LoadFailuresTotal,
		m.PluginsLoaded,
		m.VerificationsTotal,
	)
	return m
}

// Registry 返回承载指标的注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.HTTPRequestErrorsTotal.WithLabelValues(handler, method).Inc()
	}
	m.HTTPRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransition 实现 plugin.Observer。
func (m *Metrics) ObserveTransition(t plugin.Transition) {
	m.TransitionsTotal.WithLabelValues(t.Op, string(t.To)).Inc()
	m.PluginsLoaded.Set(float64(t.Loaded))
	if t.To == plugin.StateError && t.Err != nil {
		m.LoadFailuresTotal.WithLabelValues(string(xerrors.CodeOf(t.Err))).Inc()
	}
}

// ObserveVerification 可作为 signing.WithResultObserver 的回调。
func (m *Metrics) ObserveVerification(result signing.VerificationResult) {
	m.VerificationsTotal.WithLabelValues(string(result.Status)).Inc()
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware 为处理器记录请求数、错误数与耗时，handler 为指标标签。
func (m *Metrics) Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.ObserveHTTPRequest(handler, r.Method, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
