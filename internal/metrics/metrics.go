package metrics

import (
	"strconv"
	"sync"
	"time"

	"devdispatch/internal/database"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "devdispatch_"

	// Schedule results
	ScheduleCreated      = "created"
	ScheduleDeduplicated = "deduplicated"
	ScheduleConflict     = "conflict"
	ScheduleError        = "error"

	// Poll results
	PollLeased    = "leased"
	PollEmpty     = "empty"
	PollExhausted = "exhausted"
	PollError     = "error"

	// Completion results
	CompleteSucceeded = "succeeded"
	CompleteFailed    = "failed"
	CompleteExpired   = "expired"
	CompleteConflict  = "conflict"
	CompleteNotFound  = "not_found"
	CompleteError     = "error"

	// Sweep kinds
	SweepExpired  = "expired"
	SweepReleased = "released"
)

var (
	registerOnce sync.Once

	scheduleTotal   *prometheus.CounterVec
	scheduleLatency *prometheus.HistogramVec

	pollTotal    *prometheus.CounterVec
	pollLatency  *prometheus.HistogramVec
	pollAttempts prometheus.Histogram

	completeTotal *prometheus.CounterVec

	sweptTotal *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
)

// Init registers the collectors with the default registry. db may be nil;
// when set, connection pool gauges are exported as well.
func Init(db database.Interface) {
	registerOnce.Do(func() {
		scheduleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_total",
				Help: "Total schedule requests by result",
			},
			[]string{"result"},
		)
		scheduleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "schedule_latency_seconds",
				Help:    "Schedule latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_total",
				Help: "Total poll requests by result",
			},
			[]string{"result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Poll latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		pollAttempts = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_attempts",
				Help:    "Lease attempts used per poll",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		)

		completeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "complete_total",
				Help: "Total completion reports by result",
			},
			[]string{"result"},
		)

		sweptTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "swept_commands_total",
				Help: "Commands changed by inline sweeps by kind",
			},
			[]string{"kind"},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		prometheus.MustRegister(
			scheduleTotal,
			scheduleLatency,
			pollTotal,
			pollLatency,
			pollAttempts,
			completeTotal,
			sweptTotal,
			httpRequests,
			httpLatency,
		)
		if db != nil {
			registerDBMetrics(db)
		}
	})
}

func registerDBMetrics(db database.Interface) {
	labels := prometheus.Labels{"driver": db.Driver()}
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        metricPrefix + "db_open_connections",
			Help:        "Open database connections",
			ConstLabels: labels,
		}, func() float64 { return float64(db.Stats().OpenConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        metricPrefix + "db_in_use_connections",
			Help:        "Database connections in use",
			ConstLabels: labels,
		}, func() float64 { return float64(db.Stats().InUse) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        metricPrefix + "db_queries_total",
			Help:        "Database queries executed",
			ConstLabels: labels,
		}, func() float64 { return float64(db.Stats().QueryCount) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        metricPrefix + "db_query_errors_total",
			Help:        "Database queries that failed",
			ConstLabels: labels,
		}, func() float64 { return float64(db.Stats().QueryErrors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        metricPrefix + "db_slow_queries_total",
			Help:        "Database queries slower than the configured threshold",
			ConstLabels: labels,
		}, func() float64 { return float64(db.Stats().SlowQueries) }),
	)
}

// ObserveSchedule records schedule duration and result.
func ObserveSchedule(result string, duration time.Duration) {
	if scheduleTotal != nil {
		scheduleTotal.WithLabelValues(result).Inc()
	}
	if scheduleLatency != nil {
		scheduleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObservePoll records poll duration, result and attempts used.
func ObservePoll(result string, attempts int, duration time.Duration) {
	if pollTotal != nil {
		pollTotal.WithLabelValues(result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if pollAttempts != nil && attempts > 0 {
		pollAttempts.Observe(float64(attempts))
	}
}

// IncComplete increments the completion counter.
func IncComplete(result string) {
	if completeTotal != nil {
		completeTotal.WithLabelValues(result).Inc()
	}
}

// AddSwept adds count to the sweep counter for kind.
func AddSwept(kind string, count int64) {
	if count <= 0 {
		return
	}
	if sweptTotal != nil {
		sweptTotal.WithLabelValues(kind).Add(float64(count))
	}
}

// ObserveHTTPRequest records an HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}
