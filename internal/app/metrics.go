package app

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "prefork"

// runtimeMetrics is the server.Observer of a running command and the source
// of the /metrics endpoint.
type runtimeMetrics struct {
	registry *prometheus.Registry

	workersRunning      prometheus.Gauge
	workerStartsTotal   prometheus.Counter
	workerStopsTotal    prometheus.Counter
	listeners           prometheus.Gauge
	reloadsTotal        *prometheus.CounterVec
	lastReloadSuccess   prometheus.Gauge
	commitFailuresTotal prometheus.Counter
	tracingEnabled      prometheus.Gauge
	tracingErrorsTotal  prometheus.Counter

	mu      sync.Mutex
	workers map[int]struct{}
	now     func() time.Time
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{
		registry: prometheus.NewRegistry(),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_running",
			Help:      "Number of workers currently serving requests.",
		}),
		workerStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_starts_total",
			Help:      "Workers started, including respawns.",
		}),
		workerStopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_stops_total",
			Help:      "Workers that stopped serving.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "listeners",
			Help:      "Number of bound listeners.",
		}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by trigger and result.",
		}, []string{"trigger", "result"}),
		lastReloadSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "config_last_reload_success_timestamp_seconds",
			Help:      "Unix time of the last successful configuration load.",
		}),
		commitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_commit_failures_total",
			Help:      "Commits in which at least one setting was rejected by the server.",
		}),
		tracingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracing_enabled",
			Help:      "1 when spans are exported.",
		}),
		tracingErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tracing_export_errors_total",
			Help:      "Span export failures.",
		}),
		workers: map[int]struct{}{},
		now:     time.Now,
	}
	m.registry.MustRegister(
		m.workersRunning,
		m.workerStartsTotal,
		m.workerStopsTotal,
		m.listeners,
		m.reloadsTotal,
		m.lastReloadSuccess,
		m.commitFailuresTotal,
		m.tracingEnabled,
		m.tracingErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *runtimeMetrics) WorkerStarted(nr int) {
	m.mu.Lock()
	m.workers[nr] = struct{}{}
	m.workersRunning.Set(float64(len(m.workers)))
	m.mu.Unlock()
	m.workerStartsTotal.Inc()
}

func (m *runtimeMetrics) WorkerStopped(nr int) {
	m.mu.Lock()
	delete(m.workers, nr)
	m.workersRunning.Set(float64(len(m.workers)))
	m.mu.Unlock()
	m.workerStopsTotal.Inc()
}

func (m *runtimeMetrics) ListenersChanged(n int) {
	m.listeners.Set(float64(n))
}

func (m *runtimeMetrics) observeReload(trigger string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reloadsTotal.WithLabelValues(trigger, result).Inc()
	if ok {
		m.lastReloadSuccess.Set(float64(m.now().Unix()))
	}
}

func (m *runtimeMetrics) incCommitFailures() {
	m.commitFailuresTotal.Inc()
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if enabled {
		m.tracingEnabled.Set(1)
		return
	}
	m.tracingEnabled.Set(0)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	m.tracingErrorsTotal.Inc()
}

// healthSource is the part of the server the health endpoint reports on.
type healthSource interface {
	Workers() []int
	Listeners() []string
	WorkerProcesses() int
}

type healthPayload struct {
	Status          string   `json:"status"`
	Version         string   `json:"version"`
	PID             int      `json:"pid"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	WorkerProcesses int      `json:"worker_processes"`
	Workers         []int    `json:"workers"`
	Listeners       []string `json:"listeners"`
}

// newMetricsHandler serves /metrics from m and /healthz from src.
func newMetricsHandler(version string, start time.Time, m *runtimeMetrics, src healthSource) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		p := healthPayload{
			Status:        "ok",
			Version:       version,
			PID:           os.Getpid(),
			UptimeSeconds: int64(m.now().Sub(start).Seconds()),
			Workers:       []int{},
			Listeners:     []string{},
		}
		if src != nil {
			p.WorkerProcesses = src.WorkerProcesses()
			p.Workers = src.Workers()
			p.Listeners = src.Listeners()
			if len(p.Workers) < p.WorkerProcesses {
				p.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if p.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(p)
	})
	return mux
}
