// Package metrics holds the Prometheus collectors for the scene daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scene"

// Drop reasons for change-feed events.
const (
	DropUnresolvedVenue = "unresolved_venue"
	DropVenueLookup     = "venue_lookup_failed"
)

// Metrics is the set of collectors updated by the feed consumer, the
// notification dispatcher and the facade cache.
type Metrics struct {
	reg *prometheus.Registry

	eventsConsumed    *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	countFailures     *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	subscriptionRetry *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	participation     *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change-feed events handled by the consumer.",
		}, []string{"stream"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_dropped_total",
			Help:      "Change-feed events discarded before evaluation.",
		}, []string{"stream", "reason"}),
		countFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "count_refresh_failures_total",
			Help:      "Windowed count recomputations that failed.",
		}, []string{"stream"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dispatched_total",
			Help:      "Notifications delivered, by rule and channel.",
		}, []string{"rule", "channel"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_channel_failures_total",
			Help:      "Delivery attempts that failed on a channel.",
		}, []string{"channel"}),
		subscriptionRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_resubscribes_total",
			Help:      "Change-feed subscriptions re-established after a failure.",
		}, []string{"stream"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crowd_cache_lookups_total",
			Help:      "Crowd aggregate cache lookups, by result.",
		}, []string{"result"}),
		participation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participation_submissions_total",
			Help:      "Participation submissions, by stream and outcome.",
		}, []string{"stream", "outcome"}),
	}

	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsConsumed,
		m.eventsDropped,
		m.countFailures,
		m.notifications,
		m.notifyFailures,
		m.subscriptionRetry,
		m.cacheLookups,
		m.participation,
	}
	var errs []error
	for _, c := range all {
		if err := m.reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) EventConsumed(stream string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(stream).Inc()
}

func (m *Metrics) EventDropped(stream, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(stream, reason).Inc()
}

func (m *Metrics) CountFailed(stream string) {
	if m == nil {
		return
	}
	m.countFailures.WithLabelValues(stream).Inc()
}

func (m *Metrics) NotificationSent(rule, channel string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(rule, channel).Inc()
}

func (m *Metrics) ChannelFailed(channel string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) Resubscribed(stream string) {
	if m == nil {
		return
	}
	m.subscriptionRetry.WithLabelValues(stream).Inc()
}

// CacheLookup records a facade cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Submission records a participation submission outcome such as "ok",
// "duplicate" or "rejected".
func (m *Metrics) Submission(stream, outcome string) {
	if m == nil {
		return
	}
	m.participation.WithLabelValues(stream, outcome).Inc()
}
