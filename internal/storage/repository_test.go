package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRepo struct{ closed int }

func (f *fakeRepo) Close()                                          { f.closed++ }
func (f *fakeRepo) EnsureTables(context.Context, []TableSpec) error { return nil }
func (f *fakeRepo) Begin(context.Context) (Tx, error)               { return nil, nil }

func TestRegisterAndNew(t *testing.T) {
	want := &fakeRepo{}
	Register("fake-registry-test", func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.DSN != "dsn" {
			t.Fatalf("factory got DSN %q, want %q", cfg.DSN, "dsn")
		}
		return want, nil
	})

	got, err := New(context.Background(), Config{Kind: "fake-registry-test", DSN: "dsn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got != want {
		t.Fatalf("New returned %v, want registered repo", got)
	}

	found := false
	for _, k := range Kinds() {
		if k == "fake-registry-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds() = %v, missing fake-registry-test", Kinds())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := New(context.Background(), Config{Kind: "no-such-backend"})
	if err == nil || !strings.Contains(err.Error(), "no-such-backend") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestRegister_Panics(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil }
	Register("fake-dup-test", f)

	tests := []struct {
		name string
		kind string
		f    func(ctx context.Context, cfg Config) (Repository, error)
	}{
		{name: "empty_kind", kind: "", f: f},
		{name: "nil_factory", kind: "fake-nil-test", f: nil},
		{name: "duplicate", kind: "fake-dup-test", f: f},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("Register(%q) did not panic", tc.kind)
				}
			}()
			Register(tc.kind, tc.f)
		})
	}
}

func TestChunkRows(t *testing.T) {
	rows := make([][]any, 7)
	for i := range rows {
		rows[i] = []any{i, i}
	}

	tests := []struct {
		name      string
		maxParams int
		wantSizes []int
	}{
		{name: "fits_in_one", maxParams: 100, wantSizes: []int{7}},
		{name: "three_per_chunk", maxParams: 6, wantSizes: []int{3, 3, 1}},
		{name: "at_least_one_row", maxParams: 1, wantSizes: []int{1, 1, 1, 1, 1, 1, 1}},
		{name: "unbounded", maxParams: 0, wantSizes: []int{7}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ChunkRows(rows, 2, tc.maxParams)
			if len(got) != len(tc.wantSizes) {
				t.Fatalf("got %d chunks, want %d", len(got), len(tc.wantSizes))
			}
			next := 0
			for i, c := range got {
				if len(c) != tc.wantSizes[i] {
					t.Fatalf("chunk %d has %d rows, want %d", i, len(c), tc.wantSizes[i])
				}
				// Order across chunks must be preserved.
				for _, r := range c {
					if r[0] != next {
						t.Fatalf("row order broken: got %v, want %d", r[0], next)
					}
					next++
				}
			}
		})
	}

	if got := ChunkRows(nil, 2, 10); got != nil {
		t.Fatalf("ChunkRows(nil) = %v, want nil", got)
	}
}

func TestWrapDB(t *testing.T) {
	if WrapDB("insert", "songs", nil) != nil {
		t.Fatalf("WrapDB(nil) must be nil")
	}

	base := errors.New("duplicate key")
	err := WrapDB("insert", "songs", base)

	var de *DatabaseError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DatabaseError, got %T", err)
	}
	if de.Op != "insert" || de.Table != "songs" {
		t.Fatalf("unexpected op/table: %+v", de)
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error lost its cause")
	}
	if got := err.Error(); got != "database insert songs: duplicate key" {
		t.Fatalf("Error() = %q", got)
	}

	// Re-wrapping keeps the innermost operation.
	again := WrapDB("commit", "", err)
	if again != err {
		t.Fatalf("WrapDB re-wrapped an existing DatabaseError")
	}
}

func TestSplitQualified(t *testing.T) {
	tests := []struct {
		in, table, col string
	}{
		{"songs.title", "songs", "title"},
		{" artists.name ", "artists", "name"},
		{"title", "", "title"},
	}
	for _, tc := range tests {
		tbl, col := SplitQualified(tc.in)
		if tbl != tc.table || col != tc.col {
			t.Fatalf("SplitQualified(%q) = (%q,%q), want (%q,%q)", tc.in, tbl, col, tc.table, tc.col)
		}
	}
}

func TestLookupSpecValidate(t *testing.T) {
	valid := LookupSpec{
		Name:    "song",
		Table:   "songs",
		Join:    &JoinSpec{Table: "artists", Column: "artist_id"},
		Match:   []string{"songs.title"},
		Return:  []string{"songs.song_id"},
		Targets: []string{"song_id"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid lookup rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*LookupSpec)
	}{
		{"no_table", func(l *LookupSpec) { l.Table = "" }},
		{"no_match", func(l *LookupSpec) { l.Match = nil }},
		{"no_return", func(l *LookupSpec) { l.Return = nil; l.Targets = nil }},
		{"target_mismatch", func(l *LookupSpec) { l.Targets = []string{"a", "b"} }},
		{"bad_join", func(l *LookupSpec) { l.Join = &JoinSpec{Table: "artists"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := valid
			tc.mutate(&l)
			if err := l.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
