// Package metrics holds the Prometheus collectors of the sidecar. Each
// instance owns its registry so tests do not share state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "configsync"

type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	SkippedEvents   *prometheus.CounterVec
	FileOperations  *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	WatchSessions   *prometheus.CounterVec
	SyncedObjects   prometheus.Gauge
	LastSyncSeconds prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Watch events received, by kind.",
		}, []string{"kind"}),
		SkippedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_events_total",
			Help:      "Events or files ignored by the label, data or ownership checks.",
		}, []string{"reason"}),
		FileOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "File writes and removals, by outcome.",
		}, []string{"op", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Reload notifications sent, by channel and outcome.",
		}, []string{"channel", "result"}),
		WatchSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_sessions_total",
			Help:      "Watch sessions opened, by how they ended.",
		}, []string{"result"}),
		SyncedObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synced_objects",
			Help:      "ConfigMaps currently mirrored to disk.",
		}),
		LastSyncSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last applied change.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Events,
		m.SkippedEvents,
		m.FileOperations,
		m.Notifications,
		m.WatchSessions,
		m.SyncedObjects,
		m.LastSyncSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Result maps an error onto the "result" label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
