// Package metrics exposes prometheus counters for coordination outcomes.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coedit"

// Metrics owns a private registry and the collectors recorded by the services.
type Metrics struct {
	registry *prometheus.Registry

	lockAcquireTotal          *prometheus.CounterVec
	savesTotal                *prometheus.CounterVec
	changesEnqueuedTotal      *prometheus.CounterVec
	changesDrainedTotal       prometheus.Counter
	eventPublishFailures      prometheus.Counter
	housekeepingReleasedTotal *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		lockAcquireTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquire_total",
			Help:      "Unit lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		savesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Save attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		changesEnqueuedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_enqueued_total",
			Help:      "Sync change entries written for collaborators.",
		}, []string{"action"}),
		changesDrainedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_drained_total",
			Help:      "Sync change entries delivered to polling clients.",
		}),
		eventPublishFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failures_total",
			Help:      "Room event publishes that failed and were dropped.",
		}),
		housekeepingReleasedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_released_total",
			Help:      "Stale locks and save flags cleared by housekeeping.",
		}, []string{"kind"}),
	}, nil
}

// LockAttempt records a lock acquisition outcome.
func (m *Metrics) LockAttempt(outcome string) {
	m.lockAcquireTotal.WithLabelValues(outcome).Inc()
}

// SaveAttempt records a save outcome.
func (m *Metrics) SaveAttempt(mode, outcome string) {
	m.savesTotal.WithLabelValues(mode, outcome).Inc()
}

// ChangesEnqueued records entries written for one action.
func (m *Metrics) ChangesEnqueued(action string, count int) {
	m.changesEnqueuedTotal.WithLabelValues(action).Add(float64(count))
}

// ChangesDrained records entries handed to a poller.
func (m *Metrics) ChangesDrained(count int) {
	m.changesDrainedTotal.Add(float64(count))
}

// PublishFailed records a dropped room event.
func (m *Metrics) PublishFailed() {
	m.eventPublishFailures.Inc()
}

// HousekeepingReleased records stale state cleared by the sweep.
func (m *Metrics) HousekeepingReleased(kind string, count int) {
	m.housekeepingReleasedTotal.WithLabelValues(kind).Add(float64(count))
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
