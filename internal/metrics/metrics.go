// Package metrics exposes Prometheus instrumentation for the test harness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Node lifecycle metrics
	NodeStartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_node_starts_total",
			Help: "Total number of successful node starts",
		},
	)

	NodeStartFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_node_start_failures_total",
			Help: "Total number of node start attempts that failed",
		},
	)

	NodeCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_node_crashes_total",
			Help: "Total number of node processes that exited unexpectedly",
		},
	)

	// Deployment metrics
	DeploymentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_deployments_total",
			Help: "Total number of contract deployments submitted",
		},
	)

	DeploymentsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_deployments_skipped_total",
			Help: "Total number of deployments skipped because code already existed at the predicted address",
		},
	)

	CallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anvilkit_calls_total",
			Help: "Total number of contract calls submitted",
		},
	)
)
