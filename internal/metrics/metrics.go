// Package metrics holds the Prometheus collectors of the alert engine. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const _namespace = "alertd"

type Metrics struct {
	observations   *prometheus.CounterVec
	matches        prometheus.Counter
	outcomes       *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	deliveryTime   *prometheus.HistogramVec
	heldReleased   prometheus.Counter
	schedulerTicks prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "price_observations_total",
			Help:      "Price observations received, by validation result.",
		}, []string{"result"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "alert_matches_total",
			Help:      "Notification events emitted by the match engine.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "notifications_total",
			Help:      "Dispatch outcomes by final delivery state.",
		}, []string{"state", "channel"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Latency of outbound delivery calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		heldReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "held_notifications_released_total",
			Help:      "Held notifications re-queued after their owner linked a channel.",
		}),
		schedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler sweeps performed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.observations,
		m.matches,
		m.outcomes,
		m.attempts,
		m.deliveryTime,
		m.heldReleased,
		m.schedulerTicks,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) ObservePrice(valid bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !valid {
		result = "rejected"
	}
	m.observations.WithLabelValues(result).Inc()
}

func (m *Metrics) AddMatches(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.matches.Add(float64(n))
}

func (m *Metrics) Outcome(state, channel string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state, channel).Inc()
}

func (m *Metrics) Attempt(channel, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(channel, result).Inc()
	m.deliveryTime.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) HeldReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.heldReleased.Add(float64(n))
}

func (m *Metrics) SchedulerTick() {
	if m == nil {
		return
	}
	m.schedulerTicks.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
