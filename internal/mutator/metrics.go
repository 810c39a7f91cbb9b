package mutator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notetree_mutations_total",
			Help: "Mutations processed by name and result code",
		},
		[]string{"name", "code"},
	)
	mutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notetree_mutation_duration_seconds",
			Help:    "Time spent applying one mutation, transaction included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)
)

func recordMutation(name, code string, started time.Time) {
	if code == "" {
		code = "ok"
	}
	mutationsTotal.WithLabelValues(name, code).Inc()
	mutationDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
}
