// Package metrics exposes Prometheus instrumentation for the entitlement
// engine and its HTTP surfaces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
)

var (
	// RefreshTotal counts completed entitlement refreshes by outcome.
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bizdesk",
		Subsystem: "entitlement",
		Name:      "refresh_total",
		Help:      "Entitlement refreshes by outcome.",
	}, []string{"outcome"})

	// RefreshDuration tracks subscription lookup latency.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bizdesk",
		Subsystem: "entitlement",
		Name:      "refresh_duration_seconds",
		Help:      "Entitlement refresh duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// ServiceIDsDropped counts unparseable service id tokens.
	ServiceIDsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizdesk",
		Subsystem: "entitlement",
		Name:      "service_ids_dropped_total",
		Help:      "Malformed service id tokens dropped while parsing subscription records.",
	})

	// GateDecisions counts route guard decisions per service.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bizdesk",
		Subsystem: "access",
		Name:      "decisions_total",
		Help:      "Route guard decisions by service and verdict.",
	}, []string{"service", "verdict"})

	// SessionsActive is the number of live session bundles.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bizdesk",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of active sessions.",
	})

	// WebsocketClients is the number of connected entitlement stream clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bizdesk",
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Number of connected websocket clients.",
	})
)

// RecordRefresh records a completed refresh.
func RecordRefresh(outcome entitlement.Outcome, elapsed time.Duration) {
	RefreshTotal.WithLabelValues(string(outcome)).Inc()
	RefreshDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// RecordServiceIDsDropped records n dropped tokens.
func RecordServiceIDsDropped(n int) {
	if n > 0 {
		ServiceIDsDropped.Add(float64(n))
	}
}

// RecordDecision records a route guard decision.
func RecordDecision(id catalog.ServiceID, d access.Decision) {
	service := "unknown"
	if svc, ok := catalog.Lookup(id); ok {
		service = svc.Slug
	}
	GateDecisions.WithLabelValues(service, string(d.Verdict)).Inc()
}

// EntitlementHooks wires resolver telemetry into the collectors above.
func EntitlementHooks() entitlement.Hooks {
	return entitlement.Hooks{
		RefreshCompleted:  RecordRefresh,
		ServiceIDsDropped: RecordServiceIDsDropped,
	}
}
