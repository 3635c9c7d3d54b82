package multitable

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/afero"

	"sparkify/internal/datasource/file"
	"sparkify/internal/metrics"
	"sparkify/internal/model"
	pjson "sparkify/internal/parser/json"
	"sparkify/internal/storage"
	"sparkify/internal/transform"
)

// Source file kinds.
const (
	KindSong = "song"
	KindLog  = "log"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger and *logrus.Logger satisfy it.
type Logger interface {
	Printf(format string, v ...any)
}

// Observer receives progress callbacks. Implementations must be cheap; they
// run on the load path.
type Observer interface {
	// RootDiscovered is called once per root before its first file.
	RootDiscovered(kind, root string, files int)
	// FileDone is called after each file commits or fails.
	FileDone(kind, path string, d time.Duration, err error)
}

// Stats counts what one run loaded. Row counts are rows the backend
// reported as affected, so conflict-ignored rows are not counted.
type Stats struct {
	SongFiles int
	LogFiles  int

	Artists   int64
	Songs     int64
	TimeRows  int64
	Users     int64
	Songplays int64

	TimestampErrors int64
	Unresolved      int64
	Ambiguous       int64
}

// Engine loads song files then log files into the star schema, one
// transaction per file.
//
// Control flow per root:
//
//	DISCOVER -> for each file: BEGIN -> EXTRACT -> TRANSFORM -> INSERT -> COMMIT
//
// Any error rolls back the current file and aborts the run with a *FileError.
type Engine struct {
	Repo   storage.Repository
	Logger Logger

	// FS is the filesystem the roots live on. Defaults to the OS filesystem.
	FS afero.Fs

	// Schema overrides the embedded star schema.
	Schema *Schema

	// Observer is optional.
	Observer Observer
}

// Run executes one full load.
func (e *Engine) Run(ctx context.Context, p Pipeline) (Stats, error) {
	var st Stats
	if e.Repo == nil {
		return st, fmt.Errorf("engine: Repo is required")
	}

	schema, err := e.schema()
	if err != nil {
		return st, err
	}
	ts, err := schema.bind()
	if err != nil {
		return st, err
	}

	logf := e.logger()
	run := &runState{e: e, p: p, ts: ts, logf: logf, resolver: Resolver{Lookup: ts.songLookup}, st: &st}

	if p.AutoCreateTables {
		ddlStart := time.Now()
		err := e.Repo.EnsureTables(ctx, schema.Tables)
		metrics.RecordStep(p.Job, metrics.StepDDL, err, time.Since(ddlStart))
		if err != nil {
			return st, err
		}
		logf("stage=ddl ok tables=%d duration=%s", len(schema.Tables), durMS(ddlStart))
	}

	songStart := time.Now()
	n, err := run.processRoot(ctx, KindSong, p.SongDataRoot, run.loadSongFile)
	st.SongFiles = n
	if err != nil {
		return st, err
	}
	logf("stage=songs ok files=%d duration=%s", n, durMS(songStart))

	logStart := time.Now()
	n, err = run.processRoot(ctx, KindLog, p.LogDataRoot, run.loadLogFile)
	st.LogFiles = n
	if err != nil {
		return st, err
	}
	logf("stage=logs ok files=%d songplays=%d unresolved=%d duration=%s", n, st.Songplays, st.Unresolved, durMS(logStart))

	return st, nil
}

func (e *Engine) schema() (Schema, error) {
	if e.Schema != nil {
		return *e.Schema, nil
	}
	return DefaultSchema()
}

func (e *Engine) fs() afero.Fs {
	if e.FS == nil {
		return afero.NewOsFs()
	}
	return e.FS
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// runState carries one Run's bound tables and counters.
type runState struct {
	e        *Engine
	p        Pipeline
	ts       tableSet
	logf     func(format string, v ...any)
	resolver Resolver
	st       *Stats
}

type fileLoader func(ctx context.Context, tx storage.Tx, path string) error

// processRoot discovers the files under root and loads each in its own
// transaction. It returns the number of files committed.
func (r *runState) processRoot(ctx context.Context, kind, root string, load fileLoader) (int, error) {
	files, err := file.Discover(ctx, r.e.fs(), root)
	if err != nil {
		return 0, &FileError{Path: root, Kind: kind, Index: -1, Err: err}
	}
	total := len(files)
	r.logf("stage=discover kind=%s %d files found in %s", kind, total, root)
	if r.e.Observer != nil {
		r.e.Observer.RootDiscovered(kind, root, total)
	}

	for i, path := range files {
		start := time.Now()
		err := r.inFileTx(ctx, path, load)
		d := time.Since(start)

		metrics.RecordStep(r.p.Job, metrics.StepFile, err, d)
		metrics.RecordFile(r.p.Job, kind, err)
		if r.e.Observer != nil {
			r.e.Observer.FileDone(kind, path, d, err)
		}
		if err != nil {
			return i, &FileError{Path: path, Kind: kind, Index: recordIndex(err), Err: err}
		}

		if r.p.Verbose {
			r.logf("stage=file kind=%s path=%s duration=%s", kind, path, d.Truncate(time.Millisecond))
		}
		r.logf("stage=file kind=%s %d/%d files processed", kind, i+1, total)
	}
	return total, nil
}

// inFileTx runs load inside one transaction, rolling back on any error.
func (r *runState) inFileTx(ctx context.Context, path string, load fileLoader) (err error) {
	tx, err := r.e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				r.logf("stage=rollback level=warn path=%s err=%v", path, rbErr)
			}
		}
	}()

	if err := load(ctx, tx, path); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func readFile[T any](ctx context.Context, fsys afero.Fs, path string) ([]T, error) {
	f, err := file.Open(ctx, fsys, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pjson.ReadRecords[T](ctx, f)
}

// insert writes rows into spec and records the affected count.
func (r *runState) insert(ctx context.Context, tx storage.Tx, spec storage.TableSpec, rows [][]any, counter *int64) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	n, err := tx.InsertRows(ctx, spec, spec.ColumnNames(), rows)
	metrics.RecordStep(r.p.Job, metrics.StepLoad, err, time.Since(start))
	if err != nil {
		return err
	}
	*counter += n
	metrics.RecordRow(r.p.Job, spec.Name, n)
	return nil
}

// loadSongFile inserts the artist then the song so an enforced
// songs.artist_id foreign key is satisfied.
func (r *runState) loadSongFile(ctx context.Context, tx storage.Tx, path string) error {
	extractStart := time.Now()
	recs, err := readFile[model.SongRecord](ctx, r.e.fs(), path)
	metrics.RecordStep(r.p.Job, metrics.StepExtract, err, time.Since(extractStart))
	if err != nil {
		return err
	}

	song, artist, err := transform.SongAndArtist(recs)
	if err != nil {
		metrics.RecordStep(r.p.Job, metrics.StepTransform, err, 0)
		return err
	}

	if err := r.insert(ctx, tx, r.ts.artists, [][]any{artist.Values()}, &r.st.Artists); err != nil {
		return err
	}
	return r.insert(ctx, tx, r.ts.songs, [][]any{song.Values()}, &r.st.Songs)
}

// loadLogFile writes time rows, then users, then songplays. Songplays are
// resolved against songs and artists committed by the song pass.
func (r *runState) loadLogFile(ctx context.Context, tx storage.Tx, path string) error {
	extractStart := time.Now()
	events, err := readFile[model.LogEvent](ctx, r.e.fs(), path)
	metrics.RecordStep(r.p.Job, metrics.StepExtract, err, time.Since(extractStart))
	if err != nil {
		return err
	}

	transformStart := time.Now()
	plays := transform.FilterNextSong(events)
	for _, p := range plays {
		if p.TSErr != nil {
			r.logf("stage=transform level=warn path=%s %v", path, p.TSErr)
			r.st.TimestampErrors++
			metrics.RecordRow(r.p.Job, metrics.KindTimestampErrors, 1)
		}
	}
	timeRows := transform.TimeRows(plays)
	users := transform.Users(plays)
	metrics.RecordStep(r.p.Job, metrics.StepTransform, nil, time.Since(transformStart))

	if err := r.insert(ctx, tx, r.ts.time, model.RowValues(timeRows), &r.st.TimeRows); err != nil {
		return err
	}
	if err := r.insert(ctx, tx, r.ts.users, model.RowValues(users), &r.st.Users); err != nil {
		return err
	}

	var facts []model.Songplay
	for _, p := range plays {
		if !p.Valid() {
			continue
		}
		res, err := r.resolver.Resolve(ctx, tx, p)
		if err != nil {
			return err
		}
		if res.Ambiguous != nil {
			r.logf("stage=resolve level=warn path=%s %v", path, res.Ambiguous)
			r.st.Ambiguous++
			metrics.RecordRow(r.p.Job, metrics.KindAmbiguous, 1)
		}
		if res.SongID == nil {
			r.st.Unresolved++
			metrics.RecordRow(r.p.Job, metrics.KindUnresolved, 1)
		} else if r.p.Verbose {
			r.logf("stage=resolve path=%s record=%d song_id=%s artist_id=%s", path, p.Index, deref(res.SongID), deref(res.ArtistID))
		}
		facts = append(facts, transform.Songplay(p, res.SongID, res.ArtistID))
	}

	return r.insert(ctx, tx, r.ts.songplays, model.RowValues(facts), &r.st.Songplays)
}

func deref(s *string) string {
	if s == nil {
		return "NULL"
	}
	return *s
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
