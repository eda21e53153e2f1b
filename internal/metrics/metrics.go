package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del ciclo de vida de tareas
var (
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_task_transitions_total",
			Help: "Total number of task status transitions, by target status.",
		},
		[]string{"status"},
	)

	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_tasks_created_total",
			Help: "Total number of tasks created, by source.",
		},
		[]string{"source"},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofetch_active_downloads",
			Help: "Number of transfers currently running.",
		},
	)

	ConcurrencyLimit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofetch_concurrency_limit",
			Help: "Current maximum number of concurrent transfers.",
		},
	)
)

// Métricas de transferencia
var (
	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autofetch_bytes_downloaded_total",
			Help: "Total number of bytes written by transfer workers.",
		},
	)

	TransferFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_transfer_failures_total",
			Help: "Total number of failed transfer attempts, by failure kind.",
		},
		[]string{"kind"},
	)
)

// Métricas del monitor
var (
	MonitorPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_monitor_polls_total",
			Help: "Total number of auto-download polls, by result.",
		},
		[]string{"result"},
	)

	CatalogRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_catalog_requests_total",
			Help: "Total number of catalog requests, by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

// Métricas del bus de eventos y del cache
var (
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autofetch_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers.",
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_cache_lookups_total",
			Help: "Total number of resolution cache lookups, by result.",
		},
		[]string{"result"},
	)
)

// Métricas del socket de control
var (
	SocketRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofetch_socket_requests_total",
			Help: "Total number of control socket requests, by action and result.",
		},
		[]string{"action", "result"},
	)

	SocketRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autofetch_socket_request_duration_seconds",
			Help:    "Control socket request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		TaskTransitionsTotal,
		TasksCreatedTotal,
		ActiveDownloads,
		ConcurrencyLimit,
		BytesDownloadedTotal,
		TransferFailuresTotal,
		MonitorPollsTotal,
		CatalogRequestsTotal,
		EventsDroppedTotal,
		CacheLookupsTotal,
		SocketRequestsTotal,
		SocketRequestDuration,
	)
}
