package multitable

import (
	"errors"
	"fmt"

	pjson "sparkify/internal/parser/json"
)

// FileError reports the source file that was being loaded when a run
// aborted. Index is the 0-based record index in that file when known, else -1.
type FileError struct {
	Path  string
	Kind  string // song | log
	Index int
	Err   error
}

func (e *FileError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: record %d: %v", e.Path, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// ResolutionAmbiguityWarning reports a songplay whose (title, artist, length)
// matched more than one song. The first match by song_id is used. It is
// logged, never returned from Run.
type ResolutionAmbiguityWarning struct {
	Index   int
	Title   string
	Artist  string
	Length  float64
	Matches int // capped by the lookup limit
	Chosen  string
}

func (w ResolutionAmbiguityWarning) Error() string {
	return fmt.Sprintf("record %d: %q by %q (%.5f) matched %d+ songs, using %s",
		w.Index, w.Title, w.Artist, w.Length, w.Matches, w.Chosen)
}

// recordError tags err with the record it happened on.
type recordError struct {
	index int
	err   error
}

func (e *recordError) Error() string { return e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

// recordIndex finds the failing record's index in err, or -1.
func recordIndex(err error) int {
	var re *recordError
	if errors.As(err, &re) {
		return re.index
	}
	var me *pjson.MalformedRecordError
	if errors.As(err, &me) {
		return me.Record
	}
	return -1
}
