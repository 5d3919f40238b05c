// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	headersProcessed     prometheus.Counter
	headersDropped       prometheus.Counter
	votesProcessed       prometheus.Counter
	votesDropped         prometheus.Counter
	certificatesAccepted prometheus.Counter
	certificatesEmitted  prometheus.Counter
	timeoutsProcessed    prometheus.Counter
	parkedItems          prometheus.Gauge
	currentRound         prometheus.Gauge
	proposedHeaders      prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		headersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_headers_processed",
			Help: "Number of headers accepted",
		}),
		headersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_headers_dropped",
			Help: "Number of headers dropped by validation",
		}),
		votesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_votes_processed",
			Help: "Number of votes aggregated",
		}),
		votesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_votes_dropped",
			Help: "Number of votes dropped by validation",
		}),
		certificatesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_certificates_accepted",
			Help: "Number of certificates accepted",
		}),
		certificatesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_certificates_emitted",
			Help: "Number of certificates produced from local votes",
		}),
		timeoutsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_timeouts_processed",
			Help: "Number of timeout and no-vote messages aggregated",
		}),
		parkedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "primary_parked_items",
			Help: "Headers and certificates parked on missing dependencies",
		}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "primary_current_round",
			Help: "The current consensus round",
		}),
		proposedHeaders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_proposed_headers",
			Help: "Number of headers proposed by this node",
		}),
	}

	collectors := []prometheus.Collector{
		m.headersProcessed,
		m.headersDropped,
		m.votesProcessed,
		m.votesDropped,
		m.certificatesAccepted,
		m.certificatesEmitted,
		m.timeoutsProcessed,
		m.parkedItems,
		m.currentRound,
		m.proposedHeaders,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
