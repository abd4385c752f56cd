// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"github.com/cockroachdb/redact"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds metrics for the local store. The counters are cumulative
// since the store was opened.
type Metrics struct {
	// BatchesAdded counts mutation batches appended to a queue.
	BatchesAdded prometheus.Counter
	// BatchesRemoved counts mutation batches removed after acknowledgement or
	// rejection.
	BatchesRemoved prometheus.Counter
	// OverlaysSaved counts overlays written, including overwrites.
	OverlaysSaved prometheus.Counter
	// OverlaysRemoved counts overlays removed along with their batch.
	OverlaysRemoved prometheus.Counter
	// TxnLatency is the latency, in seconds, of committed write
	// transactions.
	TxnLatency prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		BatchesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Name:      "batches_added_total",
			Help:      "Mutation batches appended to a queue.",
		}),
		BatchesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Name:      "batches_removed_total",
			Help:      "Mutation batches removed from a queue.",
		}),
		OverlaysSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Name:      "overlays_saved_total",
			Help:      "Document overlays written.",
		}),
		OverlaysRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Name:      "overlays_removed_total",
			Help:      "Document overlays removed.",
		}),
		TxnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localstore",
			Name:      "txn_latency_seconds",
			Help:      "Latency of committed write transactions.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
}

// Collectors returns the metrics as prometheus collectors, for registration
// with a prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BatchesAdded, m.BatchesRemoved, m.OverlaysSaved, m.OverlaysRemoved, m.TxnLatency,
	}
}

// SafeFormat implements redact.SafeFormatter.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("batches: added=%d removed=%d\n",
		redact.SafeInt(counterValue(m.BatchesAdded)), redact.SafeInt(counterValue(m.BatchesRemoved)))
	w.Printf("overlays: saved=%d removed=%d\n",
		redact.SafeInt(counterValue(m.OverlaysSaved)), redact.SafeInt(counterValue(m.OverlaysRemoved)))
}

// String pretty-prints the metrics.
func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
