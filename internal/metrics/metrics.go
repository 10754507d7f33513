// Package metrics provides Prometheus instrumentation for the matching
// service. It exposes gauges for connections and the pool, counters for
// pairing outcomes, and histograms for wait and provisioning latency.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerprep/matching/internal/matching"
	"github.com/peerprep/matching/internal/room"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matching_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts client messages, labeled by protocol type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_messages_total",
		Help: "Total number of client messages processed",
	}, []string{"type"})

	// MatchQueueSize tracks the number of requests waiting in the pool.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matching_queue_size",
		Help: "Current number of requests waiting in the pool",
	})

	// SessionsByState tracks open sessions per state.
	SessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matching_sessions",
		Help: "Open matching sessions by state",
	}, []string{"state"})

	// PairingsTotal counts pairing outcomes: "committed", "provisioned",
	// "no_question", "failed", "unrecoverable".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_pairings_total",
		Help: "Pairing outcomes",
	}, []string{"outcome"})

	// RejectionsTotal counts rejected match requests by reason.
	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_rejections_total",
		Help: "Rejected match requests by reason",
	}, []string{"reason"})

	// ExpiredTotal counts requests removed for waiting too long.
	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matching_expired_total",
		Help: "Requests removed after exceeding the maximum wait",
	})

	// MatchDuration records the time from enqueue to commit.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_wait_duration_seconds",
		Help:    "Time from match request to pairing commit",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// ProvisionLatency records room creation latency.
	ProvisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_provision_latency_seconds",
		Help:    "Time to select a question and persist a room",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MatchQueueSize,
		SessionsByState,
		PairingsTotal,
		RejectionsTotal,
		ExpiredTotal,
		MatchDuration,
		ProvisionLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer feeds engine events into the collectors above.
type Observer struct {
	now func() time.Time

	states stateTracker
}

// NewObserver returns an engine observer bound to the package collectors.
func NewObserver() *Observer {
	return &Observer{now: time.Now, states: stateTracker{last: make(map[string]matching.State)}}
}

func (o *Observer) SessionState(connID, _ string, state matching.State) {
	prev, had := o.states.set(connID, state)
	if had {
		SessionsByState.WithLabelValues(prev.String()).Dec()
	}
	SessionsByState.WithLabelValues(state.String()).Inc()
}

func (o *Observer) SessionClosed(connID string) {
	if prev, had := o.states.remove(connID); had {
		SessionsByState.WithLabelValues(prev.String()).Dec()
	}
}

func (o *Observer) PoolSize(n int) {
	MatchQueueSize.Set(float64(n))
}

func (o *Observer) PairCommitted(a, b matching.Request) {
	PairingsTotal.WithLabelValues("committed").Inc()
	now := o.now()
	MatchDuration.Observe(now.Sub(a.EnqueuedAt).Seconds())
	MatchDuration.Observe(now.Sub(b.EnqueuedAt).Seconds())
}

func (o *Observer) PairProvisioned(_ room.Room, elapsed time.Duration) {
	PairingsTotal.WithLabelValues("provisioned").Inc()
	ProvisionLatency.Observe(elapsed.Seconds())
}

func (o *Observer) PairRolledBack(cause error) {
	switch {
	case errors.Is(cause, matching.ErrNoQuestion):
		PairingsTotal.WithLabelValues("no_question").Inc()
	case errors.Is(cause, matching.ErrUnrecoverable):
		PairingsTotal.WithLabelValues("unrecoverable").Inc()
	default:
		PairingsTotal.WithLabelValues("failed").Inc()
	}
}

func (o *Observer) RequestExpired(matching.Request) {
	ExpiredTotal.Inc()
}

// Rejected counts a rejected match request.
func Rejected(err error) {
	var verr *matching.ValidationError
	reason := "other"
	switch {
	case errors.As(err, &verr):
		reason = "invalid"
	case errors.Is(err, matching.ErrAlreadySearching):
		reason = "searching"
	case errors.Is(err, matching.ErrAlreadyMatched):
		reason = "matched"
	case errors.Is(err, matching.ErrQueueFull):
		reason = "queue_full"
	}
	RejectionsTotal.WithLabelValues(reason).Inc()
}
