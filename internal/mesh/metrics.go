/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	peers prometheus.Gauge

	negotiationsStarted  prometheus.Counter
	negotiationsTimedOut prometheus.Counter

	operationsRetried prometheus.Counter
	operationsDropped prometheus.Counter

	candidatesBuffered prometheus.Counter
	candidatesApplied  prometheus.Counter
}

// newMetrics creates the mesh collectors and registers them when a
// registerer is provided. A nil registerer keeps the collectors local, which
// is what tests use.
func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_peers",
			Help: "Number of currently registered peer connections.",
		}),
		negotiationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_negotiations_started_total",
			Help: "Number of negotiation attempts started.",
		}),
		negotiationsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_negotiations_timed_out_total",
			Help: "Number of negotiation attempts which exceeded the timeout budget.",
		}),
		operationsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_operations_retried_total",
			Help: "Number of negotiation operation retries.",
		}),
		operationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_operations_dropped_total",
			Help: "Number of negotiation operations dropped after exceeding the retry ceiling.",
		}),
		candidatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_ice_candidates_buffered_total",
			Help: "Number of remote ICE candidates buffered before a remote description was available.",
		}),
		candidatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_ice_candidates_applied_total",
			Help: "Number of remote ICE candidates applied to peer connections.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.peers,
			m.negotiationsStarted,
			m.negotiationsTimedOut,
			m.operationsRetried,
			m.operationsDropped,
			m.candidatesBuffered,
			m.candidatesApplied,
		)
	}

	return m
}
