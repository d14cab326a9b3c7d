// Copyright 2025 Certen Protocol
//
// Package metrics exports the node's operational counters over
// Prometheus, the instrumentation library the rest of this stack already
// pulls in transitively through CometBFT.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gauge and counter ledgerd exports.
type Registry struct {
	registry *prometheus.Registry

	committedVersion prometheus.Gauge
	blockCommits     prometheus.Counter
	prunerPasses     prometheus.Counter
	prunerFailures   prometheus.Counter
	prunerState      *prometheus.GaugeVec
}

// New builds a Registry with every metric registered under the
// "ledgerchain" namespace.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.committedVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerchain",
		Name:      "committed_version",
		Help:      "The most recently committed ledger version.",
	})
	r.blockCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerchain",
		Name:      "block_commits_total",
		Help:      "Total number of blocks committed by the executor.",
	})
	r.prunerPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerchain",
		Subsystem: "pruner",
		Name:      "passes_total",
		Help:      "Total number of pruner passes that ran to completion.",
	})
	r.prunerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerchain",
		Subsystem: "pruner",
		Name:      "failures_total",
		Help:      "Total number of pruner passes that returned an error.",
	})
	r.prunerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgerchain",
		Subsystem: "pruner",
		Name:      "state",
		Help:      "1 for the pruner's current state, 0 for every other state.",
	}, []string{"state"})

	r.registry.MustRegister(
		r.committedVersion,
		r.blockCommits,
		r.prunerPasses,
		r.prunerFailures,
		r.prunerState,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SetCommittedVersion records the executor's latest committed version.
func (r *Registry) SetCommittedVersion(v uint64) {
	r.committedVersion.Set(float64(v))
}

// ObserveBlockCommit increments the block commit counter.
func (r *Registry) ObserveBlockCommit() {
	r.blockCommits.Inc()
}

// ObservePrunerPass records a completed pruner pass, successful or not.
func (r *Registry) ObservePrunerPass(err error) {
	r.prunerPasses.Inc()
	if err != nil {
		r.prunerFailures.Inc()
	}
}

// SetPrunerState marks state as the pruner's current state and every
// other known state as inactive.
func (r *Registry) SetPrunerState(state string) {
	for _, s := range []string{"idle", "working", "failed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.prunerState.WithLabelValues(s).Set(v)
	}
}
