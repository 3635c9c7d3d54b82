package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"sparkify/internal/metrics"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// last indexes the most recent payload by "metric|tag,tag".
func (f *fakeSubmitter) last(t *testing.T) map[string]float64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatalf("no payload submitted")
	}
	out := make(map[string]float64)
	for _, s := range f.payloads[len(f.payloads)-1].Series {
		var extra []string
		for _, tag := range s.Tags {
			if strings.HasPrefix(tag, "env:") || strings.HasPrefix(tag, "job:") {
				continue
			}
			extra = append(extra, tag)
		}
		out[s.Metric+"|"+strings.Join(extra, ",")] = *s.Points[0].Value
	}
	return out
}

// quietOptions parks the ticker so only explicit Flush calls submit.
func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:   "nightly",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func newQuiet(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { fs.err = nil; _ = b.Close() })
	return b
}

func TestEnvTag(t *testing.T) {
	tests := []struct {
		name, env, dd, want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_fallback", dd: "stage", want: "env:stage"},
		{name: "blank_is_unknown", env: "  ", dd: "\t", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := envTag(); got != tc.want {
				t.Fatalf("envTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.RunID = "r-1"
	opts.Tags = []string{"service:etl"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	for _, want := range []string{"job:sparkify", "run:r-1", "service:etl"} {
		if !contains(b.baseTags, want) {
			t.Fatalf("baseTags missing %s: %v", want, b.baseTags)
		}
	}
	if b.flushEvery != time.Minute {
		t.Fatalf("flushEvery=%s, want 1m", b.flushEvery)
	}
	if b.namespace != "sparkify" {
		t.Fatalf("namespace=%q, want sparkify", b.namespace)
	}
}

func TestNewBackend_NilContext(t *testing.T) {
	if _, err := NewBackend(nil, Options{}); err == nil || !strings.Contains(err.Error(), "datadog metrics init") {
		t.Fatalf("err=%v, want init error", err)
	}
}

func TestFlush_RoutesRowKinds(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "songplays"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "users"})
	b.IncCounter(metrics.RecordsTotal, 2, metrics.Labels{"kind": metrics.KindUnresolved})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": metrics.KindTimestampErrors})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "log", "status": "success"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"status": "failure"})
	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": metrics.StepLoad, "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := fs.last(t)
	want := map[string]float64{
		"sparkify.rows.loaded|table:songplays":                 3,
		"sparkify.rows.loaded|table:users":                     1,
		"sparkify.plays.flagged|reason:unresolved":             2,
		"sparkify.plays.flagged|reason:ts_errors":              1,
		"sparkify.files.processed|kind:log,status:success":     1,
		"sparkify.files.processed|kind:unknown,status:failure": 1,
		"sparkify.step.count|step:load,status:success":         2,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("series mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestFlush_StepDurationGauges(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	lbls := metrics.Labels{"step": metrics.StepFile, "status": "success"}
	for _, sec := range []float64{0.010, 0.020, 0.030, 0.040, 1.0} {
		b.ObserveHistogram(metrics.StepDurationSeconds, sec, lbls)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := fs.last(t)
	const tags = "|step:file,status:success"
	if n := got["sparkify.step.duration.count"+tags]; n != 5 {
		t.Fatalf("count=%v, want 5", n)
	}
	// hdrhistogram keeps three significant figures.
	if mx := got["sparkify.step.duration.max"+tags]; mx < 0.999 || mx > 1.001 {
		t.Fatalf("max=%v, want ~1s", mx)
	}
	if p50 := got["sparkify.step.duration.p50"+tags]; p50 < 0.0299 || p50 > 0.0301 {
		t.Fatalf("p50=%v, want ~0.03s", p50)
	}
	for _, suffix := range []string{"p95", "p99", "avg"} {
		if _, ok := got["sparkify.step.duration."+suffix+tags]; !ok {
			t.Fatalf("missing %s gauge in %v", suffix, got)
		}
	}
}

func TestFlush_RunTagAndOrder(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.RunID = "run-42"
	opts.Namespace = "etl."
	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "time"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "artists"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	fs.mu.Lock()
	series := fs.payloads[0].Series
	fs.mu.Unlock()
	if len(series) != 2 {
		t.Fatalf("series=%d, want 2", len(series))
	}
	if !strings.HasSuffix(series[0].Tags[len(series[0].Tags)-1], "artists") {
		t.Fatalf("series not sorted by tag: %v then %v", series[0].Tags, series[1].Tags)
	}
	for _, s := range series {
		if s.Metric != "etl.rows.loaded" || !contains(s.Tags, "run:run-42") {
			t.Fatalf("series=%s tags=%v", s.Metric, s.Tags)
		}
		if *s.Points[0].Timestamp != 1000 {
			t.Fatalf("timestamp=%d, want 1000", *s.Points[0].Timestamp)
		}
	}
}

func TestFlush_EmptyAndErrors(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	if err := b.Flush(); err != nil || fs.count() != 0 {
		t.Fatalf("empty Flush: err=%v submissions=%d", err, fs.count())
	}

	fs.err = errors.New("403 Forbidden")
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "users"})
	if err := b.Flush(); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("Flush err=%v, want submit error", err)
	}

	// The failed batch is dropped, so the next flush has nothing to send.
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("after failure: err=%v submissions=%d, want 1", err, fs.count())
	}
}

func TestIgnoredInputs(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	b.IncCounter(metrics.StepTotal, 0, metrics.Labels{"step": "load"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "ddl"})
	b.ObserveHistogram("other_seconds", 1, nil)

	if err := b.Flush(); err != nil || fs.count() != 0 {
		t.Fatalf("ignored inputs produced a submission: err=%v n=%d", err, fs.count())
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "song", "status": "success"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("background loop never flushed")
	}

	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"kind": "log", "status": "success"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("Close did not flush the tail; submissions=%d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	workers := runtime.GOMAXPROCS(0) * 4
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "time"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "file", "status": "success"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := fs.last(t)
	if n := got["sparkify.rows.loaded|table:time"]; n != float64(workers*500) {
		t.Fatalf("rows.loaded=%v, want %d", n, workers*500)
	}
	if n := got["sparkify.step.duration.count|step:file,status:success"]; n != float64(workers*500) {
		t.Fatalf("duration count=%v, want %d", n, workers*500)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "trims_and_skips_blanks", in: " env:prod , ,service:etl,  ", want: []string{"env:prod", "service:etl"}},
		{name: "single", in: "team:data", want: []string{"team:data"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
