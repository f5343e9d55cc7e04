// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics collects keystore counters in a private Prometheus
// registry and exports them as a node_exporter textfile. There is no
// HTTP endpoint: the keystore listens only on its Unix socket.
//
// All recording methods are safe on a nil *Metrics, so components can
// take an optional Metrics without guarding every call.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/errkind"
)

const namespace = "lair"

// resultOK labels a successful operation.
const resultOK = "ok"

// Metrics holds the keystore's collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	protocolErrors *prometheus.CounterVec
	storeLocked    prometheus.Gauge
	storeEntries   prometheus.Gauge
}

// New registers the keystore collectors in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client connections currently open.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client connections accepted.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Dispatched operations by name and result (ok or error kind).",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time to dispatch an operation.",
			// scrypt unlocks take around a second; signing takes microseconds.
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed for a protocol violation, by error kind.",
		}, []string{"kind"}),
		storeLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_locked",
			Help:      "1 while the key store is locked.",
		}),
		storeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Key entries in the unlocked store.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.operations,
		m.duration,
		m.protocolErrors,
		m.storeLocked,
		m.storeEntries,
	)
	m.storeLocked.Set(1)
	return m
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a finished connection.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveOperation records one dispatch. err is nil on success.
func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := resultOK
	if err != nil {
		result = string(errkind.KindOf(err))
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ProtocolError records a connection dropped for kind.
func (m *Metrics) ProtocolError(kind errkind.Kind) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(string(kind)).Inc()
}

// SetStore records the lock state and entry count.
func (m *Metrics) SetStore(locked bool, entries int) {
	if m == nil {
		return
	}
	if locked {
		m.storeLocked.Set(1)
	} else {
		m.storeLocked.Set(0)
	}
	m.storeEntries.Set(float64(entries))
}

// WriteTextfile atomically writes the current values to path in the
// Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}

// ExportLoop writes the textfile every interval until ctx is done, and
// once more on the way out. refresh, when non-nil, runs before each
// write to sample gauges such as the store state.
func (m *Metrics) ExportLoop(ctx context.Context, clk clock.Clock, interval time.Duration, path string, refresh func(), logger *slog.Logger) {
	write := func() {
		if refresh != nil {
			refresh()
		}
		if err := m.WriteTextfile(path); err != nil {
			logger.Warn("metrics export failed", "path", path, "error", err)
		}
	}

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	write()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
