// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Collectors live in a private registry and are pushed to the gateway on
// Flush. Because a load is a short batch job there is no scrape endpoint.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sparkify/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	runID      string // optional "run" grouping key
	reg        *prometheus.Registry

	stepCounter   *prometheus.CounterVec // etl_step_total{step,status}
	stepDuration  *prometheus.SummaryVec // etl_step_duration_seconds{step,status}
	recordCounter *prometheus.CounterVec // etl_records_total{kind}
	fileCounter   *prometheus.CounterVec // etl_files_total{kind,status}
}

// NewBackend constructs a Pushgateway backend. jobName defaults to
// "sparkify". runID, when set, is added as a grouping key so concurrent
// loads do not overwrite each other's series.
func NewBackend(jobName, gatewayURL, runID string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "sparkify"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Loader step executions partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.StepDurationSeconds,
			Help:       "Duration of loader steps in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)
	recordCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Row-level counts per kind (table names, ts_errors, unresolved, ambiguous).",
		},
		[]string{"kind"},
	)
	fileCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.FilesTotal,
			Help: "Source files processed partitioned by kind and status.",
		},
		[]string{"kind", "status"},
	)

	for _, c := range []struct {
		what string
		c    prometheus.Collector
	}{
		{"step counter", stepCounter},
		{"step summary", stepDuration},
		{"record counter", recordCounter},
		{"file counter", fileCounter},
	} {
		if err := reg.Register(c.c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", c.what, err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		runID:         runID,
		reg:           reg,
		stepCounter:   stepCounter,
		stepDuration:  stepDuration,
		recordCounter: recordCounter,
		fileCounter:   fileCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)

	case metrics.RecordsTotal:
		if b.recordCounter == nil {
			return
		}
		b.recordCounter.WithLabelValues(labels["kind"]).Add(delta)

	case metrics.FilesTotal:
		if b.fileCounter == nil {
			return
		}
		b.fileCounter.WithLabelValues(labels["kind"], labels["status"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || b.stepDuration == nil {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	p := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg)
	if b.runID != "" {
		p = p.Grouping("run", b.runID)
	}
	return p.Push()
}

var _ metrics.Backend = (*Backend)(nil)
