package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_attempts_total",
			Help: "Total number of HTTP sends by result.",
		},
		[]string{"result"}, // success, failure
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_deliveries_total",
			Help: "Total number of persisted delivery transitions by resulting status.",
		},
		[]string{"status"},
	)

	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_skips_total",
			Help: "Total number of invocations that made no attempt, by reason.",
		},
		[]string{"reason"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_retries_total",
			Help: "Total number of failed attempts that left the delivery pending, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_dead_letters_total",
			Help: "Total number of deliveries that reached the failed state.",
		},
		[]string{"reason"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbordispatch_http_request_duration_seconds",
			Help:    "Latency of outbound webhook requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code_class"}, // 2xx, 4xx, 5xx, error
	)

	InternalErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_internal_errors_total",
			Help: "Total number of internal errors by stage.",
		},
		[]string{"stage"},
	)

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_sweeps_total",
			Help: "Total number of pending-row sweeps by result.",
		},
		[]string{"result"},
	)

	SweepDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbordispatch_sweep_dispatched_total",
			Help: "Total number of deliveries dispatched by the sweeper.",
		},
	)

	TriggerBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbordispatch_trigger_backlog",
			Help: "Depth of the NSQ trigger channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		AttemptsTotal,
		DeliveriesTotal,
		SkipsTotal,
		RetriesTotal,
		DeadLettersTotal,
		HTTPRequestDuration,
		InternalErrorsTotal,
		SweepsTotal,
		SweepDispatchedTotal,
		TriggerBacklog,
	)
}

// CodeClass buckets an HTTP status for the duration histogram. 0 means a transport error.
func CodeClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	}
	return "5xx"
}

func RecordAttempt(success bool, status int, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	AttemptsTotal.WithLabelValues(result).Inc()
	HTTPRequestDuration.WithLabelValues(CodeClass(status)).Observe(latency.Seconds())
}

func RecordTransition(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

func RecordSkip(reason string) {
	SkipsTotal.WithLabelValues(reason).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func RecordInternalError(stage string) {
	InternalErrorsTotal.WithLabelValues(stage).Inc()
}

func RecordSweep(result string, dispatched int) {
	SweepsTotal.WithLabelValues(result).Inc()
	SweepDispatchedTotal.Add(float64(dispatched))
}

// UpdateTriggerBacklog sets the NSQ channel depth gauge.
func UpdateTriggerBacklog(topic, channel string, depth float64) {
	TriggerBacklog.WithLabelValues(topic, channel).Set(depth)
}
