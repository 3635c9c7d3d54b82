package multitable

// Pipeline is the per-run input to Engine.Run.
type Pipeline struct {
	// Job labels metrics and log lines.
	Job string

	// SongDataRoot and LogDataRoot are walked recursively for *.json files.
	// Song files are all committed before the first log file is read.
	SongDataRoot string
	LogDataRoot  string

	// AutoCreateTables runs create-if-missing DDL for the star schema before
	// loading. Existing tables are never altered.
	AutoCreateTables bool

	// Verbose logs per-file timings and every resolved (song_id, artist_id)
	// pair.
	Verbose bool
}
