// Package metrics exposes Prometheus counters for the registry and workflow.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handlesMinted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidflow_handles_minted_total",
			Help: "Handles minted, by PID type and result",
		},
		[]string{"type", "result"},
	)

	handleResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidflow_handle_resolves_total",
			Help: "Handle resolutions, by outcome",
		},
		[]string{"outcome"},
	)

	lookupCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidflow_handle_lookup_cache_total",
			Help: "Reverse lookup cache hits and misses",
		},
		[]string{"result"},
	)

	workflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidflow_workflow_transitions_total",
			Help: "Workflow transitions, by kind",
		},
		[]string{"kind"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidflow_notifications_total",
			Help: "Notifications sent, by template and result",
		},
		[]string{"template", "result"},
	)

	registerOnce sync.Once
)

// Register adds the collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handlesMinted, handleResolves, lookupCache, workflowTransitions, notifications)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordMint(pidType string, err error) {
	handlesMinted.WithLabelValues(pidType, result(err)).Inc()
}

// RecordResolve takes one of found, unbound, not_found or error.
func RecordResolve(outcome string) {
	handleResolves.WithLabelValues(outcome).Inc()
}

func RecordLookupCache(hit bool) {
	if hit {
		lookupCache.WithLabelValues("hit").Inc()
		return
	}
	lookupCache.WithLabelValues("miss").Inc()
}

// RecordTransition takes start, step, claim, unclaim, archive, reject or abort.
func RecordTransition(kind string) {
	workflowTransitions.WithLabelValues(kind).Inc()
}

func RecordNotification(template string, err error) {
	notifications.WithLabelValues(template, result(err)).Inc()
}
