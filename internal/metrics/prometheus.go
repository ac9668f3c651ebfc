package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qabridge/backend/pkg/circuitbreaker"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_dispatch_total",
			Help: "Questions accepted by the dispatcher",
		},
		[]string{"lane", "language"},
	)

	DuplicateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_duplicate_decisions_total",
			Help: "Duplicate classifier decisions",
		},
		[]string{"profile", "field", "result"},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qabridge_inference_duration_seconds",
			Help:    "Inference call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "status"},
	)

	WorkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qabridge_work_retries_total",
			Help: "Work items requeued after a transient failure",
		},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_dead_letters_total",
			Help: "Work items routed to the dead-letter lane",
		},
		[]string{"reason"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_deliveries_total",
			Help: "Replies handed to destinations",
		},
		[]string{"scheme", "outcome"},
	)

	DroppedResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_dropped_results_total",
			Help: "Results dropped by the response router",
		},
		[]string{"reason"},
	)

	Timeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qabridge_timeouts_total",
			Help: "Requests that passed their answer deadline",
		},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qabridge_pending_requests",
			Help: "Outstanding requests awaiting an answer",
		},
	)

	ExportedExamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_exported_examples_total",
			Help: "Training examples written by the export job",
		},
		[]string{"language"},
	)

	DeactivatedExamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qabridge_deactivated_examples_total",
			Help: "Training examples deactivated as answer duplicates",
		},
	)

	ActiveModelVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qabridge_active_model_version",
			Help: "Ordinal of the active model version",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qabridge_circuit_breaker_state",
			Help: "Circuit breaker state by dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	UserFeedback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qabridge_user_feedback_total",
			Help: "Feedback received on answers",
		},
		[]string{"feedback"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(DispatchTotal)
		prometheus.MustRegister(DuplicateDecisions)
		prometheus.MustRegister(InferenceDuration)
		prometheus.MustRegister(WorkRetries)
		prometheus.MustRegister(DeadLetters)
		prometheus.MustRegister(Deliveries)
		prometheus.MustRegister(DroppedResults)
		prometheus.MustRegister(Timeouts)
		prometheus.MustRegister(PendingRequests)
		prometheus.MustRegister(ExportedExamples)
		prometheus.MustRegister(DeactivatedExamples)
		prometheus.MustRegister(ActiveModelVersion)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(BreakerState)
		prometheus.MustRegister(UserFeedback)
	})
}

// BreakerStateChanged is an OnStateChange hook for circuit breakers.
func BreakerStateChanged(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
