package app

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example"+path, nil))
	body, _ := io.ReadAll(rr.Body)
	return rr.Code, string(body)
}

func TestMetricsHandler_Defaults(t *testing.T) {
	h := newMetricsHandler("dev", time.Now(), newRuntimeMetrics(), nil)
	code, body := scrape(t, h, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	for _, want := range []string{
		"prefork_workers_running 0",
		"prefork_worker_starts_total 0",
		"prefork_listeners 0",
		"prefork_config_commit_failures_total 0",
		"prefork_tracing_enabled 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics output:\n%s", want, body)
		}
	}
}

func TestRuntimeMetrics_ObservesServerAndReloads(t *testing.T) {
	m := newRuntimeMetrics()
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	m.WorkerStarted(0)
	m.WorkerStarted(1)
	m.WorkerStarted(1)
	m.WorkerStopped(0)
	m.ListenersChanged(2)
	m.observeReload("startup", true)
	m.observeReload("signal_sighup", false)
	m.observeReload("signal_sighup", true)
	m.incCommitFailures()
	m.setTracingEnabled(true)
	m.incTracingExportErrors()

	_, body := scrape(t, newMetricsHandler("dev", time.Now(), m, nil), "/metrics")
	for _, want := range []string{
		"prefork_workers_running 1",
		"prefork_worker_starts_total 3",
		"prefork_worker_stops_total 1",
		"prefork_listeners 2",
		`prefork_config_reloads_total{result="ok",trigger="startup"} 1`,
		`prefork_config_reloads_total{result="failed",trigger="signal_sighup"} 1`,
		`prefork_config_reloads_total{result="ok",trigger="signal_sighup"} 1`,
		"prefork_config_last_reload_success_timestamp_seconds 1.7e+09",
		"prefork_config_commit_failures_total 1",
		"prefork_tracing_enabled 1",
		"prefork_tracing_export_errors_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics output:\n%s", want, body)
		}
	}
}

type fakeHealth struct {
	workers []int
	want    int
}

func (f fakeHealth) Workers() []int       { return f.workers }
func (f fakeHealth) Listeners() []string  { return []string{"0.0.0.0:8080"} }
func (f fakeHealth) WorkerProcesses() int { return f.want }

func TestMetricsHandler_Healthz(t *testing.T) {
	start := time.Unix(100, 0)
	m := newRuntimeMetrics()
	m.now = func() time.Time { return start.Add(90 * time.Second) }

	cases := []struct {
		src    fakeHealth
		code   int
		status string
	}{
		{fakeHealth{workers: []int{0, 1}, want: 2}, http.StatusOK, "ok"},
		{fakeHealth{workers: []int{0}, want: 2}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range cases {
		code, body := scrape(t, newMetricsHandler("v1", start, m, tc.src), "/healthz")
		if code != tc.code {
			t.Fatalf("status %d, want %d", code, tc.code)
		}
		var p healthPayload
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			t.Fatalf("decode %q: %v", body, err)
		}
		if p.Status != tc.status || p.Version != "v1" || p.UptimeSeconds != 90 || len(p.Listeners) != 1 {
			t.Fatalf("unexpected payload %+v", p)
		}
	}
}
