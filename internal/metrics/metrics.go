// Package metrics records operational metrics for the loader behind a small,
// backend-agnostic interface.
//
// A no-op backend is installed by default so every call site is safe when no
// metrics system is configured. Concrete systems live in subpackages
// (datadog, prompush) and are installed with SetBackend.
package metrics

import "time"

// Metric names shared by all backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	FilesTotal          = "etl_files_total"
)

// Loader steps passed to RecordStep.
const (
	StepDDL       = "ddl"
	StepExtract   = "extract"
	StepTransform = "transform"
	StepLoad      = "load"
	StepFile      = "file"
)

// Record kinds that count flagged plays rather than inserted rows. Any other
// kind passed to RecordRow is a table name.
const (
	KindTimestampErrors = "ts_errors"
	KindUnresolved      = "unresolved"
	KindAmbiguous       = "ambiguous"
)

// IsQualityKind reports whether kind counts flagged plays.
func IsQualityKind(kind string) bool {
	switch kind {
	case KindTimestampErrors, KindUnresolved, KindAmbiguous:
		return true
	}
	return false
}

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordStep counts one execution of a loader step and observes its latency.
func RecordStep(job, step string, err error, d time.Duration) {
	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status(err),
	}
	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRow adds delta to a record-level counter: a table name for inserted
// rows, or one of the quality kinds.
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RecordsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordFile counts one processed source file. kind is "song" or "log".
func RecordFile(job, kind string, err error) {
	backend.IncCounter(FilesTotal, 1, Labels{
		"job":    job,
		"kind":   kind,
		"status": status(err),
	})
}
