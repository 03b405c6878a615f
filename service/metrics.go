package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the vote lifecycle and the print queue.
type Metrics struct {
	VotesCast     *prometheus.CounterVec
	CastDuration  prometheus.Histogram
	LedgerAnchors *prometheus.CounterVec
	JobsEnqueued  prometheus.Counter
	JobsClaimed   prometheus.Counter
	JobOutcomes   *prometheus.CounterVec
	StuckResets   prometheus.Counter
}

// NewMetrics registers collectors on reg. A nil reg yields unregistered
// collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VotesCast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voting",
			Name:      "votes_cast_total",
			Help:      "Votes cast, by kind (first or revote).",
		}, []string{"kind"}),
		CastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voting",
			Name:      "cast_duration_seconds",
			Help:      "Time to encrypt, persist and anchor one vote.",
			Buckets:   prometheus.DefBuckets,
		}),
		LedgerAnchors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voting",
			Name:      "ledger_anchors_total",
			Help:      "Ledger anchoring attempts, by outcome.",
		}, []string{"outcome"}),
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voting",
			Subsystem: "print_queue",
			Name:      "jobs_enqueued_total",
			Help:      "Print jobs created.",
		}),
		JobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voting",
			Subsystem: "print_queue",
			Name:      "jobs_claimed_total",
			Help:      "Print jobs handed to a printer.",
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voting",
			Subsystem: "print_queue",
			Name:      "job_outcomes_total",
			Help:      "Print job transitions out of PRINTING or PENDING, by outcome.",
		}, []string{"outcome"}),
		StuckResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voting",
			Subsystem: "print_queue",
			Name:      "stuck_resets_total",
			Help:      "PRINTING jobs returned to PENDING by reconciliation.",
		}),
	}
}
