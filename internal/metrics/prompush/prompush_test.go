package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"sparkify/internal/metrics"
)

func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

func readSummaryCountSum(t *testing.T, v *prometheus.SummaryVec, labels ...string) (uint64, float64) {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	return m.GetSummary().GetSampleCount(), m.GetSummary().GetSampleSum()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		jobName     string
		gatewayURL  string
		wantErr     bool
		wantJobName string
	}{
		{name: "missing gateway URL returns error", jobName: "x", wantErr: true},
		{name: "empty job name uses default", gatewayURL: "http://pushgateway:9091", wantJobName: "sparkify"},
		{name: "explicit job name is preserved", jobName: "nightly", gatewayURL: "http://pushgateway:9091", wantJobName: "nightly"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := NewBackend(tt.jobName, tt.gatewayURL, "")
			if tt.wantErr {
				if err == nil || b != nil {
					t.Fatalf("NewBackend() = (%v, %v), want error", b, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if b.jobName != tt.wantJobName {
				t.Fatalf("jobName = %q, want %q", b.jobName, tt.wantJobName)
			}
		})
	}
}

func TestIncCounter(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("sparkify", "http://example.com", "")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.IncCounter(metrics.StepTotal, 3, metrics.Labels{"step": "extract", "status": "success"})
	b.IncCounter(metrics.RecordsTotal, 5, metrics.Labels{"kind": "songplays"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "log", "status": "success"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "log", "status": "success"})
	b.IncCounter("unknown_metric", 10, metrics.Labels{"foo": "bar"})

	if got := readCounterValue(t, b.stepCounter.WithLabelValues("extract", "success")); got != 3 {
		t.Fatalf("step counter = %v, want 3", got)
	}
	if got := readCounterValue(t, b.recordCounter.WithLabelValues("songplays")); got != 5 {
		t.Fatalf("record counter = %v, want 5", got)
	}
	if got := readCounterValue(t, b.fileCounter.WithLabelValues("log", "success")); got != 2 {
		t.Fatalf("file counter = %v, want 2", got)
	}
	if got := readCounterValue(t, b.fileCounter.WithLabelValues("song", "failure")); got != 0 {
		t.Fatalf("untouched file counter = %v, want 0", got)
	}
}

func TestIncCounterNilMetrics(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "s", "status": "success"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "users"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.StepDurationSeconds, 1, metrics.Labels{})
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("sparkify", "http://example.com", "")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.ObserveHistogram(metrics.StepDurationSeconds, 1.5, metrics.Labels{"step": "load", "status": "success"})
	b.ObserveHistogram("other_metric", 2, metrics.Labels{"step": "load", "status": "success"})

	count, sum := readSummaryCountSum(t, b.stepDuration, "load", "success")
	if count != 1 || sum != 1.5 {
		t.Fatalf("summary = (%d, %v), want (1, 1.5)", count, sum)
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method string
		path   string
		body   string
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, body: string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("sparkify", server.URL, "run-7")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "song", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not send a request to the Pushgateway")
	}
	if got.method != http.MethodPut {
		t.Fatalf("method = %s, want PUT", got.method)
	}
	if !strings.Contains(got.path, "/job/sparkify") || !strings.Contains(got.path, "/run/run-7") {
		t.Fatalf("path = %q, want job and run grouping", got.path)
	}
	if len(got.body) == 0 {
		t.Fatalf("push body is empty")
	}
}

func BenchmarkIncCounterRecord(b *testing.B) {
	backend, err := NewBackend("sparkify", "http://example.com", "")
	if err != nil {
		b.Fatalf("NewBackend() error = %v", err)
	}
	labels := metrics.Labels{"kind": "songplays"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.IncCounter(metrics.RecordsTotal, 1, labels)
	}
}
