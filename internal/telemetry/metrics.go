package telemetry

import "github.com/prometheus/client_golang/prometheus"

var CredentialsResetTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "credentials",
		Name:      "reset_total",
		Help:      "Total number of credentials whose daily counters were reset.",
	},
)

var CredentialsDisabledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "credentials",
		Name:      "disabled_total",
		Help:      "Total number of credentials permanently disabled due to an invalid-key response.",
	},
)

var CredentialAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "credentials",
		Name:      "acquire_total",
		Help:      "Total number of credential acquisitions by kind and outcome.",
	},
	[]string{"kind", "outcome"}, // outcome: granted|exhausted
)

var ProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of upstream proxy requests by endpoint and outcome.",
	},
	[]string{"endpoint", "outcome"}, // outcome: ok|daily_limit|invalid_key|no_key|transport_error|upstream_error
)

var ProxyRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "poicrawler",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Upstream proxy request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"endpoint"},
)

var JobsAdmittedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "scheduler",
		Name:      "jobs_admitted_total",
		Help:      "Total number of jobs admitted to the executor by the scheduler loop.",
	},
)

var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "crawl",
		Name:      "jobs_completed_total",
		Help:      "Total number of crawl runs that ended, by outcome (completed, or failed and parked for retry).",
	},
	[]string{"status"}, // completed|failed
)

var POIsWrittenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "resultsink",
		Name:      "pois_written_total",
		Help:      "Total number of POI rows appended to result CSVs.",
	},
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "poicrawler",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of control-API HTTP requests by route and status.",
	},
	[]string{"method", "route", "status"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "poicrawler",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control-API HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// All returns all poicrawler-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CredentialsResetTotal,
		CredentialsDisabledTotal,
		CredentialAcquireTotal,
		ProxyRequestsTotal,
		ProxyRequestDuration,
		JobsAdmittedTotal,
		JobsCompletedTotal,
		POIsWrittenTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}
}
