// Package metrics holds the Prometheus collectors of the daemon:
// queue depth, replay outcomes, notification throughput and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bestbefore_queue_depth",
		Help: "Pending mutations in the sync queue of the signed-in user",
	})

	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bestbefore_dead_letter_depth",
		Help: "Mutations the remote store rejected permanently",
	})

	// ReplayTotal counts replay passes by result: completed, halted, empty, skipped.
	ReplayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bestbefore_replay_total",
			Help: "Sync queue replay passes by result",
		},
		[]string{"result"},
	)

	// ReplayEntriesTotal counts entries by outcome: applied, already_applied, dead_lettered.
	ReplayEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bestbefore_replay_entries_total",
			Help: "Replayed sync queue entries by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bestbefore_notifications_scheduled_total",
		Help: "Expiry reminders handed to the delivery backend",
	})

	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bestbefore_notifications_dispatched_total",
			Help: "Due reminders fired by the local dispatcher, by result",
		},
		[]string{"result"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bestbefore_commands_total",
			Help: "Socket commands served by the daemon, by error code (ok on success)",
		},
		[]string{"command", "code"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bestbefore_command_duration_seconds",
			Help:    "Socket command latency of the daemon",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bestbefore_http_requests_total",
			Help: "HTTP requests served by the daemon",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bestbefore_http_request_duration_seconds",
			Help:    "HTTP request latency of the daemon",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveCommand records one socket command. An empty code means success.
func ObserveCommand(command, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	commandsTotal.WithLabelValues(command, code).Inc()
	commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Middleware records request counts and latency. route names the handler,
// keeping label cardinality fixed.
func Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
