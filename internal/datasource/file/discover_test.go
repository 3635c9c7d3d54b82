package file

import (
	"context"
	"errors"
	"io"
	"os"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func writeFile(t *testing.T, fsys afero.Fs, path, body string) {
	t.Helper()
	if err := afero.WriteFile(fsys, path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiscover_RecursiveSortedJSONOnly(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/data/song_data/A/B/C/TRABCEI.json", "{}")
	writeFile(t, fsys, "/data/song_data/A/A/B/TRAABJL.json", "{}")
	writeFile(t, fsys, "/data/song_data/A/A/B/notes.txt", "x")
	writeFile(t, fsys, "/data/song_data/A/A/B/.hidden.json", "{}")
	writeFile(t, fsys, "/data/song_data/top.json", "{}")
	writeFile(t, fsys, "/data/song_data/upper.JSON", "{}")

	got, err := Discover(context.Background(), fsys, "/data/song_data")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		"/data/song_data/A/A/B/TRAABJL.json",
		"/data/song_data/A/B/C/TRABCEI.json",
		"/data/song_data/top.json",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Discover = %v, want %v", got, want)
	}
}

func TestDiscover_EmptyDirAndMissingRoot(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/empty", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := Discover(context.Background(), fsys, "/empty")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty dir: got %v, %v", got, err)
	}

	if _, err := Discover(context.Background(), fsys, "/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing root: expected os.ErrNotExist, got %v", err)
	}

	writeFile(t, fsys, "/plain.json", "{}")
	if _, err := Discover(context.Background(), fsys, "/plain.json"); err == nil {
		t.Fatalf("expected error when root is a file")
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/a.json", `{"x":1}`)

	rc, err := Open(context.Background(), fsys, "/a.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != `{"x":1}` {
		t.Fatalf("content = %q", b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, fsys, "/a.json"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := Open(context.Background(), fsys, "/nope.json"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}
