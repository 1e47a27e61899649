// ABOUTME: Prometheus collector fed by state change notifications
// ABOUTME: Counts commits and errors and tracks per-context version and size

package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-context/internal/state"
)

const namespace = "coven_context"

// Collector records context activity. It is safe for concurrent use.
type Collector struct {
	// Commits counts committed transitions.
	// Labels: kind (created, updated)
	Commits *prometheus.CounterVec

	// Version is the latest committed version per context.
	// Labels: context
	Version *prometheus.GaugeVec

	// Keys is the number of top-level data keys per context.
	// Labels: context
	Keys *prometheus.GaugeVec

	// UpdatedAt is the unix time of the latest commit per context.
	// Labels: context
	UpdatedAt *prometheus.GaugeVec

	// Errors counts reported errors.
	// Labels: kind (conflict, persistence, recovery, sync, other)
	Errors *prometheus.CounterVec

	// SubscriberFailures counts notifications a subscriber failed to handle.
	SubscriberFailures prometheus.Counter
}

// New creates a collector registered with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed state transitions by kind",
		}, []string{"kind"}),
		Version: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "version",
			Help:      "Latest committed version per context",
		}, []string{"context"}),
		Keys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_keys",
			Help:      "Top-level data keys per context",
		}, []string{"context"}),
		UpdatedAt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updated_timestamp_seconds",
			Help:      "Unix time of the latest commit per context",
		}, []string{"context"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Reported errors by kind",
		}, []string{"kind"}),
		SubscriberFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Notifications a subscriber failed to handle",
		}),
	}
}

// OnStateChange records one commit.
func (c *Collector) OnStateChange(old, new *state.State) error {
	if new == nil {
		return nil
	}
	kind := "updated"
	if old == nil {
		kind = "created"
	}
	c.Commits.WithLabelValues(kind).Inc()
	c.Version.WithLabelValues(new.ID).Set(float64(new.Version))
	c.Keys.WithLabelValues(new.ID).Set(float64(len(new.Data)))
	c.UpdatedAt.WithLabelValues(new.ID).Set(float64(new.UpdatedAt.Unix()))
	return nil
}

// OnError records an error reported for a context.
func (c *Collector) OnError(err error) {
	c.Errors.WithLabelValues(ErrorKind(err)).Inc()
}

// ObserveSyncError records a subscriber failure.
func (c *Collector) ObserveSyncError(*state.SyncError) {
	c.SubscriberFailures.Inc()
	c.Errors.WithLabelValues("sync").Inc()
}

// Forget drops the per-context series of a deleted context.
func (c *Collector) Forget(contextID string) {
	c.Version.DeleteLabelValues(contextID)
	c.Keys.DeleteLabelValues(contextID)
	c.UpdatedAt.DeleteLabelValues(contextID)
}

// ErrorKind classifies err for the errors_total label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, state.ErrConflict):
		return "conflict"
	case errors.Is(err, state.ErrPersistence):
		return "persistence"
	case errors.Is(err, state.ErrRecovery):
		return "recovery"
	case errors.Is(err, state.ErrSync):
		return "sync"
	default:
		return "other"
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
