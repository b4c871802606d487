package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "naas_sessions_active",
		Help: "Currently open websocket sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naas_sessions_total",
		Help: "Total websocket sessions accepted",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naas_sessions_rejected_total",
		Help: "Connections refused by admission",
	}, []string{"reason"})

	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "naas_model_load_duration_seconds",
		Help:    "Model locate, compile and load latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"format"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naas_runs_total",
		Help: "Simulation runs by outcome",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "naas_run_duration_seconds",
		Help:    "Wall time from start_simulation to the final event",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "naas_chunk_duration_seconds",
		Help:    "Wall time of one stepping chunk",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naas_engine_steps_total",
		Help: "Engine integration steps taken",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naas_messages_total",
		Help: "Websocket messages by direction and command",
	}, []string{"direction", "cmd"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naas_errors_total",
		Help: "Errors sent to clients by kind",
	}, []string{"kind"})

	ModelDownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naas_model_download_bytes_total",
		Help: "Bytes fetched from the model object store",
	})

	CatalogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "naas_catalog_models",
		Help: "Models currently available on disk",
	})
)
