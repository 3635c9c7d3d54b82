package model

import "time"

// Column lists in table order. Values() on each row matches its list.
var (
	SongColumns     = []string{"song_id", "title", "artist_id", "year", "duration"}
	ArtistColumns   = []string{"artist_id", "name", "location", "latitude", "longitude"}
	TimeColumns     = []string{"start_time", "hour", "day", "week", "month", "year", "weekday"}
	UserColumns     = []string{"user_id", "first_name", "last_name", "gender", "level"}
	SongplayColumns = []string{"start_time", "user_id", "level", "song_id", "artist_id", "session_id", "location", "user_agent"}
)

type Song struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int
	Duration float64
}

func (s Song) Values() []any {
	return []any{s.SongID, s.Title, s.ArtistID, s.Year, s.Duration}
}

type Artist struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

func (a Artist) Values() []any {
	return []any{a.ArtistID, a.Name, nullString(a.Location), nullFloat(a.Latitude), nullFloat(a.Longitude)}
}

// TimeRow is one decomposed event instant. Weekday runs 0=Monday..6=Sunday
// and Week is the ISO-8601 week number.
type TimeRow struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int
}

func (t TimeRow) Values() []any {
	return []any{t.StartTime, t.Hour, t.Day, t.Week, t.Month, t.Year, t.Weekday}
}

type User struct {
	UserID    string
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

func (u User) Values() []any {
	return []any{u.UserID, u.FirstName, u.LastName, u.Gender, u.Level}
}

// Songplay is one fact row. songplay_id is assigned by the store and is
// never part of the insert.
type Songplay struct {
	StartTime time.Time
	UserID    string
	Level     string
	SongID    *string
	ArtistID  *string
	SessionID int64
	Location  string
	UserAgent string
}

func (p Songplay) Values() []any {
	return []any{p.StartTime, p.UserID, p.Level, nullString(p.SongID), nullString(p.ArtistID), p.SessionID, p.Location, p.UserAgent}
}

// Valuer is any row that renders itself in column order.
type Valuer interface {
	Values() []any
}

// RowValues flattens typed rows for storage.Tx.InsertRows.
func RowValues[T Valuer](rows []T) [][]any {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = r.Values()
	}
	return out
}

// nil pointers must reach the driver as untyped nil, not a typed nil pointer.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
