package multitable

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func songLine(t *testing.T, songID, title, artistID, artistName string, duration float64) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"num_songs":        1,
		"song_id":          songID,
		"title":            title,
		"artist_id":        artistID,
		"artist_name":      artistName,
		"artist_location":  "",
		"artist_latitude":  nil,
		"artist_longitude": nil,
		"year":             2001,
		"duration":         duration,
	})
	if err != nil {
		t.Fatalf("marshal song: %v", err)
	}
	return string(b)
}

// event describes one log line. Zero-value Page means NextSong.
type event struct {
	Page   string
	TS     any
	UserID string
	Level  string
	Song   any // string or nil
	Artist any
	Length any
}

func eventLine(t *testing.T, e event) string {
	t.Helper()
	page := e.Page
	if page == "" {
		page = "NextSong"
	}
	level := e.Level
	if level == "" {
		level = "free"
	}
	b, err := json.Marshal(map[string]any{
		"artist":        e.Artist,
		"auth":          "Logged In",
		"firstName":     "Ann",
		"gender":        "F",
		"itemInSession": 0,
		"lastName":      "Lee",
		"length":        e.Length,
		"level":         level,
		"location":      "Springfield, IL",
		"method":        "PUT",
		"page":          page,
		"registration":  1.540919166796e12,
		"sessionId":     10,
		"song":          e.Song,
		"status":        200,
		"ts":            e.TS,
		"userAgent":     "Mozilla/5.0",
		"userId":        e.UserID,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(b)
}

func writeFile(t *testing.T, fsys afero.Fs, path string, lines ...string) {
	t.Helper()
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := afero.WriteFile(fsys, path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// sampleTree lays out one song and one log file matching each other.
func sampleTree(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/data/song_data/A/A/SOA.json",
		songLine(t, "SOA", "Song A", "ARA", "Artist A", 200.5))
	writeFile(t, fsys, "/data/log_data/2018/11/2018-11-01-events.json",
		eventLine(t, event{TS: int64(1541105830796), UserID: "7", Song: "Song A", Artist: "Artist A", Length: 200.5}),
		eventLine(t, event{Page: "Home", TS: int64(1541105830800), UserID: "8"}),
		eventLine(t, event{TS: int64(1541106106796), UserID: "7", Song: "Unknown", Artist: "Nobody", Length: 1.0}),
	)
	return fsys
}

func testPipeline() Pipeline {
	return Pipeline{
		Job:              "test",
		SongDataRoot:     "/data/song_data",
		LogDataRoot:      "/data/log_data",
		AutoCreateTables: true,
	}
}

// songOnlyTree holds one song file with the given lines and an empty log root.
func songOnlyTree(t *testing.T, lines ...string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/data/song_data/S.json", lines...)
	if err := fsys.MkdirAll("/data/log_data", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return fsys
}
