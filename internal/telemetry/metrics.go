package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CyclesTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_cycles_total", Help: "Auto-apply cycles by result"}, []string{"result"})
	ApplicationsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_applications_total", Help: "Application attempts by platform and outcome"}, []string{"platform", "outcome"})
	RateLimitDenials     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_rate_limit_denials_total", Help: "Attempts denied by the per-platform quota"}, []string{"platform"})
	SessionRefreshes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_session_refreshes_total", Help: "Platform logins by result"}, []string{"platform", "result"})
	BrowserLaunchFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autoapply_browser_launch_failures_total", Help: "Browser launches that failed"})
	BrowsersInUse        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autoapply_browsers_in_use", Help: "Live browser leases"})
	PersistenceFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autoapply_persistence_failures_total", Help: "Failure records that could not be stored"})
	ScheduledRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_scheduled_runs_total", Help: "Scheduled job executions by final status"}, []string{"status"})
	ScheduleMisfires     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoapply_schedule_misfires_total", Help: "Missed fire times by policy"}, []string{"policy"})
	CycleDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "autoapply_cycle_duration_seconds", Help: "Wall time of a full cycle", Buckets: prometheus.ExponentialBuckets(1, 4, 8)})
	HTTPRequestSeconds   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "autoapply_http_request_duration_seconds", Help: "API request latency by method and status", Buckets: prometheus.DefBuckets}, []string{"method", "status"})
)

// ObserveHTTPRequest records one API request
func ObserveHTTPRequest(method string, status int, elapsed time.Duration) {
	HTTPRequestSeconds.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CyclesTotal,
			ApplicationsTotal,
			RateLimitDenials,
			SessionRefreshes,
			BrowserLaunchFailed,
			BrowsersInUse,
			PersistenceFailures,
			ScheduledRuns,
			ScheduleMisfires,
			CycleDurationSeconds,
			HTTPRequestSeconds,
		)
	})
	return promhttp.Handler()
}
