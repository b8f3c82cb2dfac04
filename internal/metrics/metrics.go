// Package metrics records pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the pipeline's collectors.
type Recorder struct {
	gatherer prometheus.Gatherer

	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	llmRequests   *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
}

// New registers a fresh set of collectors on reg.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		toolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackcrew_tool_calls_total",
				Help: "Tool invocations by tool and outcome (ok, fail, error)",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackcrew_tool_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"tool"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackcrew_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"stage", "status"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackcrew_pipeline_runs_total",
				Help: "Pipeline runs by result",
			},
			[]string{"result"},
		),
		llmRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackcrew_llm_requests_total",
				Help: "LLM requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		llmDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackcrew_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
	}
}

var (
	defaultOnce sync.Once
	defaultRec  *Recorder
)

// Default is the process-wide recorder, served by Handler.
func Default() *Recorder {
	defaultOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		defaultRec = New(reg)
	})
	return defaultRec
}

// ObserveTool records one tool call. outcome is "ok", "fail" or "error".
func (r *Recorder) ObserveTool(tool, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (r *Recorder) ObserveStage(stage string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, status(ok)).Observe(d.Seconds())
}

func (r *Recorder) IncRun(result string) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveLLM(provider, model string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.llmRequests.WithLabelValues(provider, model, status(ok)).Inc()
	r.llmDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// Handler exposes the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
