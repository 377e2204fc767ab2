// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by method, path pattern, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// DownloadTasksActive gauges tasks currently running in the pool.
	DownloadTasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "download",
		Name:      "tasks_active",
		Help:      "Download tasks currently in progress.",
	})

	// DownloadBytesTotal counts bytes written to disk by the download
	// service.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes downloaded.",
	})

	// InferenceRequestsTotal counts dispatched inference requests by
	// engine family and outcome.
	InferenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "inference",
		Name:      "requests_total",
		Help:      "Inference requests dispatched.",
	}, []string{"engine", "outcome"})

	// InferenceTokensTotal counts completion tokens streamed to clients.
	InferenceTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "inference",
		Name:      "tokens_total",
		Help:      "Completion tokens produced.",
	}, []string{"engine"})

	// EnginesLoaded gauges currently loaded engine families.
	EnginesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "engine",
		Name:      "loaded",
		Help:      "Loaded engine families.",
	})
)
