// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/autobrr/ariasync/internal/tasks"
)

const namespace = "ariasync"

// Manager owns the registry and the reconciliation collectors.
type Manager struct {
	registry *prometheus.Registry

	cycleDuration      *prometheus.HistogramVec
	cycles             *prometheus.CounterVec
	removals           *prometheus.CounterVec
	resolutionFailures prometheus.Counter
	tasksByStatus      *prometheus.GaugeVec
	daemonConnected    prometheus.Gauge
	daemonInfo         *prometheus.GaugeVec
}

func NewMetricsManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by outcome",
		}, []string{"outcome"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "removed_total",
			Help:      "Tasks removed from the daemon by reason",
		}, []string{"reason"}),
		resolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "path_resolution_failures_total",
			Help:      "Failed display path resolutions",
		}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "count",
			Help:      "Tasks in the last committed snapshot by status",
		}, []string{"status"}),
		daemonConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "connected",
			Help:      "1 when the download daemon is reachable",
		}),
		daemonInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "info",
			Help:      "Version of the connected download daemon",
		}, []string{"version"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycleDuration,
		m.cycles,
		m.removals,
		m.resolutionFailures,
		m.tasksByStatus,
		m.daemonConnected,
		m.daemonInfo,
	)
	m.daemonConnected.Set(1)

	return m
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) ObserveCycle(duration time.Duration, outcome string) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Manager) TaskRemoved(reason string) {
	m.removals.WithLabelValues(reason).Inc()
}

func (m *Manager) ResolutionFailed() {
	m.resolutionFailures.Inc()
}

func (m *Manager) SetTaskCounts(counts map[tasks.Status]int) {
	for status, n := range counts {
		m.tasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetDaemonConnected is registered as a connectivity listener.
func (m *Manager) SetDaemonConnected(connected bool) {
	if connected {
		m.daemonConnected.Set(1)
		return
	}
	m.daemonConnected.Set(0)
}

func (m *Manager) SetDaemonVersion(version string) {
	m.daemonInfo.Reset()
	if version != "" {
		m.daemonInfo.WithLabelValues(version).Set(1)
	}
}
