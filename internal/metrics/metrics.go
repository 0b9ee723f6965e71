package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsFannedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxhooks_events_fanned_out_total",
			Help: "Total number of events that produced at least one delivery.",
		},
	)

	FanoutErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxhooks_fanout_errors_total",
			Help: "Total number of fan-outs that failed before any attempt ran.",
		},
	)

	FanoutSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inboxhooks_fanout_size",
			Help:    "Number of deliveries created per event.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxhooks_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retrying, failed
	)

	AttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxhooks_attempt_latency_seconds",
			Help:    "Wall time of a single outbound webhook attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status_class"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxhooks_retries_total",
			Help: "Total number of delivery retries scheduled by reason.",
		},
		[]string{"reason"}, // timeout, network, http_4xx, http_5xx, other
	)

	TerminalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxhooks_terminal_failures_total",
			Help: "Total number of deliveries that exhausted their attempts.",
		},
		[]string{"reason"},
	)

	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxhooks_sweep_runs_total",
			Help: "Total number of sweep runs by result.",
		},
		[]string{"result"}, // ok, skipped, error
	)

	SweepProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxhooks_sweep_processed_total",
			Help: "Total number of due deliveries re-attempted by sweeps.",
		},
	)

	SweepLastBatch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inboxhooks_sweep_last_batch",
			Help: "Number of due deliveries picked up by the most recent sweep.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsFannedOutTotal,
		FanoutErrorsTotal,
		FanoutSize,
		DeliveriesTotal,
		AttemptLatencySeconds,
		RetriesTotal,
		TerminalFailuresTotal,
		SweepRunsTotal,
		SweepProcessedTotal,
		SweepLastBatch,
	)
}

// RecordFanout records an event that fanned out to size deliveries
func RecordFanout(size int) {
	if size <= 0 {
		return
	}
	EventsFannedOutTotal.Inc()
	FanoutSize.Observe(float64(size))
}

// RecordFanoutError records a lookup or insert failure on the fan-out path
func RecordFanoutError() {
	FanoutErrorsTotal.Inc()
}

// RecordAttempt records the outcome and latency of one outbound attempt.
// httpStatus is zero when no response was received.
func RecordAttempt(outcome string, httpStatus int, d time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	AttemptLatencySeconds.WithLabelValues(StatusClass(httpStatus)).Observe(d.Seconds())
}

// RecordRetry records a retry scheduled for the bucketed reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordTerminalFailure records a delivery moved to the failed state
func RecordTerminalFailure(reason string) {
	TerminalFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordSweep records a sweep run and how many rows it processed
func RecordSweep(result string, processed int) {
	SweepRunsTotal.WithLabelValues(result).Inc()
	if result == "skipped" {
		return
	}
	SweepLastBatch.Set(float64(processed))
	SweepProcessedTotal.Add(float64(processed))
}

// StatusClass maps an HTTP status to "2xx".."5xx", or "none" when absent
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}
