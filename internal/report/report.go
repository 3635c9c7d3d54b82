// Package report tracks per-file load latency, draws an optional progress
// bar, and renders the end-of-run summary.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"sparkify/internal/multitable"
)

// Latencies are recorded in microseconds, 1µs to 10 minutes, 3 significant
// figures.
const (
	minLatencyUS = 1
	maxLatencyUS = int64(10 * time.Minute / time.Microsecond)
)

// IsTerminal reports whether w is a terminal. Non-file writers never are.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Tracker implements multitable.Observer.
type Tracker struct {
	mu      sync.Mutex
	hist    *hdrhistogram.Histogram
	failed  int
	out     io.Writer
	showBar bool
	bar     *progressbar.ProgressBar
}

// NewTracker returns a tracker that draws a progress bar on out when
// showProgress is true.
func NewTracker(out io.Writer, showProgress bool) *Tracker {
	if out == nil {
		out = io.Discard
	}
	return &Tracker{
		hist:    hdrhistogram.New(minLatencyUS, maxLatencyUS, 3),
		out:     out,
		showBar: showProgress,
	}
}

// RootDiscovered starts a fresh bar sized to the root's file count.
func (t *Tracker) RootDiscovered(kind, root string, files int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.showBar {
		return
	}
	if t.bar != nil {
		_ = t.bar.Finish()
	}
	t.bar = progressbar.NewOptions(files,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(fmt.Sprintf("Loading %s files", kind)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// FileDone records the file's latency and advances the bar.
func (t *Tracker) FileDone(kind, path string, d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.failed++
	} else {
		us := d.Microseconds()
		if us < minLatencyUS {
			us = minLatencyUS
		}
		if us > maxLatencyUS {
			us = maxLatencyUS
		}
		_ = t.hist.RecordValue(us)
	}
	if t.bar != nil {
		_ = t.bar.Add(1)
	}
}

// Finish clears the progress bar, if any.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		_ = t.bar.Finish()
		t.bar = nil
	}
}

// Latency summarizes committed file durations.
type Latency struct {
	Files  int64
	Failed int
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Max    time.Duration
}

func (t *Tracker) Latency() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return Latency{
		Files:  t.hist.TotalCount(),
		Failed: t.failed,
		Mean:   time.Duration(t.hist.Mean() * float64(time.Microsecond)),
		P50:    us(t.hist.ValueAtQuantile(50)),
		P95:    us(t.hist.ValueAtQuantile(95)),
		P99:    us(t.hist.ValueAtQuantile(99)),
		Max:    us(t.hist.Max()),
	}
}

var _ multitable.Observer = (*Tracker)(nil)

// Summary is the end-of-run report.
type Summary struct {
	RunID   string
	Backend string
	Elapsed time.Duration
	Stats   multitable.Stats
	Latency Latency
}

// Write renders s as a few aligned lines.
func (s Summary) Write(w io.Writer) error {
	st := s.Stats
	c := func(n int64) string { return humanize.Comma(n) }
	ms := func(d time.Duration) string { return d.Round(time.Microsecond).String() }

	_, err := fmt.Fprintf(w,
		"run %s backend=%s elapsed=%s\n"+
			"files    songs=%s logs=%s mean=%s p50=%s p95=%s p99=%s max=%s\n"+
			"rows     artists=%s songs=%s time=%s users=%s songplays=%s\n"+
			"resolve  unresolved=%s ambiguous=%s ts_errors=%s\n",
		s.RunID, s.Backend, s.Elapsed.Round(time.Millisecond),
		c(int64(st.SongFiles)), c(int64(st.LogFiles)),
		ms(s.Latency.Mean), ms(s.Latency.P50), ms(s.Latency.P95), ms(s.Latency.P99), ms(s.Latency.Max),
		c(st.Artists), c(st.Songs), c(st.TimeRows), c(st.Users), c(st.Songplays),
		c(st.Unresolved), c(st.Ambiguous), c(st.TimestampErrors),
	)
	return err
}
