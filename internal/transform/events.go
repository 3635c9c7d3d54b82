package transform

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"sparkify/internal/model"
)

// Play is a NextSong event that survived filtering. Index is its position in
// the unfiltered file so warnings and failures can point back at the source.
type Play struct {
	Index int
	Event model.LogEvent
	// StartTime is zero when ts failed to parse.
	StartTime time.Time
	TSErr     *TimestampParseError
}

// Valid reports whether the play has a usable timestamp.
func (p Play) Valid() bool { return p.TSErr == nil }

// FilterNextSong keeps only song-play events and parses their timestamps.
// A bad ts does not drop the event here; callers decide per table.
func FilterNextSong(events []model.LogEvent) []Play {
	var out []Play
	for i, e := range events {
		if e.Page != model.PageNextSong {
			continue
		}
		p := Play{Index: i, Event: e}
		ts, err := ParseTimestamp(e.TS)
		if err != nil {
			p.TSErr = &TimestampParseError{Index: i, Raw: string(e.TS), Err: err}
		} else {
			p.StartTime = ts
		}
		out = append(out, p)
	}
	return out
}

// Bounds keep the nanosecond product inside int64.
const (
	minEpochMS = -9_000_000_000_000
	maxEpochMS = 9_000_000_000_000
)

// ParseTimestamp reads an epoch-millisecond ts in UTC. It accepts a JSON
// integer, a JSON number with a fraction, or either form as a quoted string.
func ParseTimestamp(raw []byte) (time.Time, error) {
	s := bytes.TrimSpace(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = bytes.TrimSpace(s[1 : len(s)-1])
	}
	if len(s) == 0 || bytes.Equal(s, []byte("null")) {
		return time.Time{}, errors.New("missing")
	}

	if ms, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		if ms < minEpochMS || ms > maxEpochMS {
			return time.Time{}, fmt.Errorf("out of range")
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	// The float only screens the value; float64 cannot hold a sub-ms epoch
	// exactly, so the instant comes from the decimal text.
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < minEpochMS || f > maxEpochMS {
		return time.Time{}, fmt.Errorf("out of range")
	}
	r, ok := new(big.Rat).SetString(string(s))
	if !ok {
		return time.Time{}, fmt.Errorf("not a number")
	}
	if r.Cmp(big.NewRat(minEpochMS, 1)) < 0 || r.Cmp(big.NewRat(maxEpochMS, 1)) > 0 {
		return time.Time{}, fmt.Errorf("out of range")
	}
	return time.Unix(0, roundNanos(r.Mul(r, big.NewRat(int64(time.Millisecond), 1)))).UTC(), nil
}

// roundNanos rounds half away from zero.
func roundNanos(ns *big.Rat) int64 {
	den := ns.Denom()
	q, rem := new(big.Int).QuoRem(ns.Num(), den, new(big.Int))
	if rem.Sign() != 0 && new(big.Int).Lsh(new(big.Int).Abs(rem), 1).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(int64(rem.Sign())))
	}
	return q.Int64()
}

// TimeRows decomposes each valid play's instant. Duplicates are kept; the
// load step ignores conflicts on start_time.
func TimeRows(plays []Play) []model.TimeRow {
	var out []model.TimeRow
	for _, p := range plays {
		if !p.Valid() {
			continue
		}
		out = append(out, Decompose(p.StartTime))
	}
	return out
}

// Decompose splits t (in UTC) into calendar parts. Weekday is 0=Monday.
func Decompose(t time.Time) model.TimeRow {
	t = t.UTC()
	_, week := t.ISOWeek()
	return model.TimeRow{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   (int(t.Weekday()) + 6) % 7,
	}
}

// Users returns the distinct full user rows among plays, first-seen order.
// Rows differing only in level are both kept so the later one wins on upsert.
func Users(plays []Play) []model.User {
	seen := make(map[model.User]struct{}, len(plays))
	var out []model.User
	for _, p := range plays {
		u := model.User{
			UserID:    string(p.Event.UserID),
			FirstName: p.Event.FirstName,
			LastName:  p.Event.LastName,
			Gender:    p.Event.Gender,
			Level:     p.Event.Level,
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Songplay builds the fact row for a valid play with the resolved keys,
// which may be nil.
func Songplay(p Play, songID, artistID *string) model.Songplay {
	return model.Songplay{
		StartTime: p.StartTime,
		UserID:    string(p.Event.UserID),
		Level:     p.Event.Level,
		SongID:    songID,
		ArtistID:  artistID,
		SessionID: p.Event.SessionID,
		Location:  p.Event.Location,
		UserAgent: p.Event.UserAgent,
	}
}
