package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/plugin"
	"hatago-plugin-host/pkg/signing"
)

func TestObserveHTTPRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHTTPRequest("host", http.MethodGet, http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTPRequest("host", http.MethodGet, http.StatusOK, 30*time.Millisecond)
	m.ObserveHTTPRequest("verify", http.MethodPost, http.StatusInternalServerError, time.Second)

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("host", "GET", "200")); got != 2 {
		t.Fatalf("requests total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestErrorsTotal.WithLabelValues("verify", "POST")); got != 1 {
		t.Fatalf("error total = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestErrorsTotal); got != 1 {
		t.Fatalf("only server errors must be counted, got %d series", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestDuration); got != 2 {
		t.Fatalf("latency series = %d, want 2", got)
	}
}

func TestObserveTransition(t *testing.T) {
	m := New(nil)

	m.ObserveTransition(plugin.Transition{Op: "startLoading", From: plugin.StateIdle, To: plugin.StateLoading})
	m.ObserveTransition(plugin.Transition{Op: "completeLoading", From: plugin.StateLoading, To: plugin.StateRunning, Loaded: 2})
	m.ObserveTransition(plugin.Transition{
		Op:     "startLoading",
		To:     plugin.StateError,
		Err:    xerrors.New(xerrors.CodeCapabilityUnavailable, "capability fetch is not available"),
		Loaded: 2,
	})
	m.ObserveTransition(plugin.Transition{Op: "handleLoadingError", To: plugin.StateError, Err: errors.New("plain"), Loaded: 2})

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("completeLoading", "running")); got != 1 {
		t.Fatalf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.PluginsLoaded); got != 2 {
		t.Fatalf("plugins loaded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LoadFailuresTotal.WithLabelValues("CAPABILITY_UNAVAILABLE")); got != 1 {
		t.Fatalf("capability failures = %v", got)
	}
	if got := testutil.ToFloat64(m.LoadFailuresTotal.WithLabelValues("UNKNOWN")); got != 1 {
		t.Fatalf("unknown failures = %v", got)
	}
}

func TestObserveVerification(t *testing.T) {
	m := New(nil)
	m.ObserveVerification(signing.VerificationResult{Valid: true, Status: signing.StatusValid})
	m.ObserveVerification(signing.VerificationResult{Status: signing.StatusExpired})
	m.ObserveVerification(signing.VerificationResult{Status: signing.StatusExpired})

	if got := testutil.ToFloat64(m.VerificationsTotal.WithLabelValues("expired")); got != 2 {
		t.Fatalf("expired = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.VerificationsTotal.WithLabelValues("valid")); got != 1 {
		t.Fatalf("valid = %v, want 1", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(nil)
	failing := m.Middleware("boom", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	ok := m.Middleware("ok", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "fine")
	}))

	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("boom", "GET", "502")); got != 1 {
		t.Fatalf("boom requests = %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("ok", "GET", "200")); got != 1 {
		t.Fatalf("ok requests = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`hatago_http_requests_total{code="502",handler="boom",method="GET"} 1`,
		"hatago_http_request_errors_total",
		"hatago_plugins_loaded 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
