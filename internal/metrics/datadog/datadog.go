// Package datadog submits loader metrics to Datadog.
//
// Counts and step latencies are buffered in memory and submitted on Flush. A
// background loop flushes on a ticker so a long load shows up as a series
// rather than a single point; Close stops the loop and flushes the tail.
// A process killed before Close loses whatever is still buffered.
//
// Series written, all tagged env/job (and run when set):
//
//	<ns>.files.processed          count  kind, status
//	<ns>.rows.loaded              count  table
//	<ns>.plays.flagged            count  reason (ts_errors, unresolved, ambiguous)
//	<ns>.step.count               count  step, status
//	<ns>.step.duration.{p50,p95,p99,max,avg,count}  gauge  step, status
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/HdrHistogram/hdrhistogram-go"

	"sparkify/internal/metrics"
)

// Step durations are recorded in microseconds between 1µs and one hour.
const (
	minDurationUS = 1
	maxDurationUS = int64(time.Hour / time.Microsecond)
	sigFigs       = 3
)

// Options configures the backend.
type Options struct {
	// JobName is sent as tag job:<name>. Defaults to "sparkify".
	JobName string
	// RunID, when set, is sent as tag run:<id>.
	RunID string
	// Namespace prefixes every metric name. Defaults to "sparkify".
	Namespace string
	// Tags are extra tags such as "service:etl".
	Tags []string
	// FlushEvery is the background flush period. Defaults to one minute.
	FlushEvery time.Duration

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter submitter
}

// submitter is the single SDK call used, so tests can stand in for the API.
type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesKey identifies one buffered series: a metric suffix plus up to two
// fully formed tags.
type seriesKey struct {
	name string
	tags [2]string
}

func (k seriesKey) tagList() []string {
	out := make([]string, 0, 2)
	for _, t := range k.tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Backend implements metrics.Backend.
type Backend struct {
	api       submitter
	ctx       context.Context
	namespace string
	baseTags  []string
	now       func() time.Time

	flushEvery time.Duration
	newTicker  func(d time.Duration) *time.Ticker
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	counts    map[seriesKey]float64
	durations map[seriesKey]*hdrhistogram.Histogram
}

// NewBackend builds a backend on the official client and starts its flush
// loop. The API key and site come from DD_API_KEY and DD_SITE through the
// SDK's default context; bad credentials only surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, fmt.Errorf("datadog metrics init: nil context")
	}

	job := strings.TrimSpace(opts.JobName)
	if job == "" {
		job = "sparkify"
	}
	ns := strings.Trim(opts.Namespace, ".")
	if ns == "" {
		ns = "sparkify"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = time.Minute
	}

	tags := []string{envTag(), "job:" + job}
	if opts.RunID != "" {
		tags = append(tags, "run:"+opts.RunID)
	}
	tags = append(tags, opts.Tags...)

	b := &Backend{
		api:        opts.submitter,
		ctx:        dd.NewDefaultContext(parent),
		namespace:  ns,
		baseTags:   tags,
		now:        opts.now,
		flushEvery: every,
		newTicker:  opts.newTicker,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		counts:     make(map[seriesKey]float64),
		durations:  make(map[seriesKey]*hdrhistogram.Histogram),
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.newTicker == nil {
		b.newTicker = time.NewTicker
	}

	go b.loop()
	return b, nil
}

// envTag reads the deployment environment from ENV, then DD_ENV.
func envTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.done)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the flush loop and submits what is left. Further calls only
// flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown metric names are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	var k seriesKey
	switch name {
	case metrics.FilesTotal:
		k = seriesKey{"files.processed", [2]string{"kind:" + orUnknown(labels["kind"]), "status:" + orUnknown(labels["status"])}}
	case metrics.RecordsTotal:
		kind := labels["kind"]
		if kind == "" {
			return
		}
		if metrics.IsQualityKind(kind) {
			k = seriesKey{"plays.flagged", [2]string{"reason:" + kind}}
		} else {
			k = seriesKey{"rows.loaded", [2]string{"table:" + kind}}
		}
	case metrics.StepTotal:
		k = seriesKey{"step.count", stepTags(labels)}
	default:
		return
	}

	b.mu.Lock()
	b.counts[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Only step durations (seconds)
// are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	us := int64(value * 1e6)
	if us < minDurationUS {
		us = minDurationUS
	}
	if us > maxDurationUS {
		us = maxDurationUS
	}

	k := seriesKey{"step.duration", stepTags(labels)}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.durations[k]
	if h == nil {
		h = hdrhistogram.New(minDurationUS, maxDurationUS, sigFigs)
		b.durations[k] = h
	}
	_ = h.RecordValue(us)
}

func stepTags(labels metrics.Labels) [2]string {
	return [2]string{"step:" + orUnknown(labels["step"]), "status:" + orUnknown(labels["status"])}
}

// Flush submits and clears the buffers. The buffers are cleared even when
// the submission fails; an empty buffer sends nothing.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counts, durations := b.counts, b.durations
	b.counts = make(map[seriesKey]float64)
	b.durations = make(map[seriesKey]*hdrhistogram.Histogram)
	b.mu.Unlock()

	if len(counts) == 0 && len(durations) == 0 {
		return nil
	}
	body := datadogV2.MetricPayload{Series: b.buildSeries(counts, durations, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, body, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit %d series: %w", len(body.Series), err)
	}
	return nil
}

// buildSeries renders buffered values in a stable order.
func (b *Backend) buildSeries(counts map[seriesKey]float64, durations map[seriesKey]*hdrhistogram.Histogram, ts int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(counts)+6*len(durations))
	for _, k := range sortedKeys(counts) {
		out = append(out, b.point(k.name, datadogV2.METRICINTAKETYPE_COUNT, counts[k], k, ts))
	}
	for _, k := range sortedKeys(durations) {
		h := durations[k]
		sec := func(us int64) float64 { return float64(us) / 1e6 }
		for _, g := range []struct {
			suffix string
			v      float64
		}{
			{"p50", sec(h.ValueAtQuantile(50))},
			{"p95", sec(h.ValueAtQuantile(95))},
			{"p99", sec(h.ValueAtQuantile(99))},
			{"max", sec(h.Max())},
			{"avg", h.Mean() / 1e6},
			{"count", float64(h.TotalCount())},
		} {
			out = append(out, b.point(k.name+"."+g.suffix, datadogV2.METRICINTAKETYPE_GAUGE, g.v, k, ts))
		}
	}
	return out
}

func (b *Backend) point(name string, typ datadogV2.MetricIntakeType, v float64, k seriesKey, ts int64) datadogV2.MetricSeries {
	tags := make([]string, 0, len(b.baseTags)+2)
	tags = append(tags, b.baseTags...)
	tags = append(tags, k.tagList()...)
	return datadogV2.MetricSeries{
		Metric: b.namespace + "." + name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	out := make([]seriesKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		if out[i].tags[0] != out[j].tags[0] {
			return out[i].tags[0] < out[j].tags[0]
		}
		return out[i].tags[1] < out[j].tags[1]
	})
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ParseTagsCSV splits "env:prod, service:etl" into tags, dropping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
