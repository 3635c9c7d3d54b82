package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"sparkify/internal/multitable"
)

func TestIsTerminal_NonFile(t *testing.T) {
	t.Parallel()

	if IsTerminal(&bytes.Buffer{}) {
		t.Fatalf("bytes.Buffer reported as terminal")
	}
}

func TestTracker_Latency(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, false)
	for i := 1; i <= 100; i++ {
		tr.FileDone(multitable.KindLog, "f.json", time.Duration(i)*time.Millisecond, nil)
	}
	tr.FileDone(multitable.KindLog, "bad.json", time.Hour, errors.New("boom"))
	tr.FileDone(multitable.KindSong, "zero.json", 0, nil)

	got := tr.Latency()
	if got.Files != 101 || got.Failed != 1 {
		t.Fatalf("files=%d failed=%d, want 101 and 1", got.Files, got.Failed)
	}
	// 3 significant figures: values land within 0.1% of the true quantile.
	within := func(d, want time.Duration) bool {
		diff := d - want
		if diff < 0 {
			diff = -diff
		}
		return diff <= want/100
	}
	if !within(got.P50, 50*time.Millisecond) {
		t.Fatalf("p50 = %s, want ~50ms", got.P50)
	}
	if !within(got.P99, 99*time.Millisecond) {
		t.Fatalf("p99 = %s, want ~99ms", got.P99)
	}
	if !within(got.Max, 100*time.Millisecond) {
		t.Fatalf("max = %s, want ~100ms", got.Max)
	}
}

func TestTracker_ProgressBar(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewTracker(&buf, true)
	tr.RootDiscovered(multitable.KindSong, "/data/song_data", 2)
	tr.FileDone(multitable.KindSong, "a.json", time.Millisecond, nil)
	tr.FileDone(multitable.KindSong, "b.json", time.Millisecond, nil)
	tr.RootDiscovered(multitable.KindLog, "/data/log_data", 0)
	tr.Finish()
	tr.Finish()

	if tr.Latency().Files != 2 {
		t.Fatalf("files = %d, want 2", tr.Latency().Files)
	}
}

func TestSummary_Write(t *testing.T) {
	t.Parallel()

	s := Summary{
		RunID:   "r1",
		Backend: "sqlite",
		Elapsed: 1500 * time.Millisecond,
		Stats: multitable.Stats{
			SongFiles: 71, LogFiles: 30,
			Artists: 69, Songs: 71, TimeRows: 6820, Users: 104, Songplays: 6820,
			Unresolved: 6819, Ambiguous: 0, TimestampErrors: 1,
		},
		Latency: Latency{P50: 2 * time.Millisecond},
	}

	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"run r1 backend=sqlite elapsed=1.5s",
		"songs=71 logs=30",
		"p50=2ms",
		"time=6,820",
		"songplays=6,820",
		"unresolved=6,819",
		"ts_errors=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}
