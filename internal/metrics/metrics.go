// Package metrics holds the Prometheus instruments shared by the session
// and transport layers. Everything registers with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saaya_sessions_loaded",
		Help: "Number of sessions currently holding a model",
	})

	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saaya_model_loads_total",
		Help: "Model load attempts by result",
	}, []string{"engine", "result"})

	PromptTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saaya_prompt_tokens_total",
		Help: "Prompt tokens decoded",
	})

	GeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saaya_generated_tokens_total",
		Help: "Tokens emitted to sinks",
	})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saaya_decode_failures_total",
		Help: "Decode failures by phase (prompt, step or sample)",
	}, []string{"phase"})

	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saaya_generations_total",
		Help: "Completed generate calls by finish reason",
	}, []string{"finish"})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saaya_generation_duration_seconds",
		Help:    "Wall time of generate calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	BusyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saaya_busy_rejections_total",
		Help: "Generate calls rejected because another was in flight",
	})
)
