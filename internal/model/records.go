// Package model holds the source record shapes read from the song and log
// files and the typed rows written to the star schema.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// SongRecord is one line of a song file.
type SongRecord struct {
	NumSongs        int      `json:"num_songs"`
	SongID          string   `json:"song_id"`
	Title           string   `json:"title"`
	ArtistID        string   `json:"artist_id"`
	ArtistName      string   `json:"artist_name"`
	ArtistLocation  *string  `json:"artist_location"`
	ArtistLatitude  *float64 `json:"artist_latitude"`
	ArtistLongitude *float64 `json:"artist_longitude"`
	Year            int      `json:"year"`
	Duration        float64  `json:"duration"`
}

// Normalize rewrites text fields to Unicode NFC.
func (r *SongRecord) Normalize() {
	r.Title = norm.NFC.String(r.Title)
	r.ArtistName = norm.NFC.String(r.ArtistName)
	r.ArtistLocation = nfcPtr(r.ArtistLocation)
}

// LogEvent is one line of an event log file. Only the fields the loader
// reads are typed strictly; ts stays raw so a bad value fails one row
// instead of the whole line.
type LogEvent struct {
	Artist        *string         `json:"artist"`
	Auth          string          `json:"auth"`
	FirstName     string          `json:"firstName"`
	Gender        string          `json:"gender"`
	ItemInSession int             `json:"itemInSession"`
	LastName      string          `json:"lastName"`
	Length        *float64        `json:"length"`
	Level         string          `json:"level"`
	Location      string          `json:"location"`
	Method        string          `json:"method"`
	Page          string          `json:"page"`
	Registration  *float64        `json:"registration"`
	SessionID     int64           `json:"sessionId"`
	Song          *string         `json:"song"`
	Status        int             `json:"status"`
	TS            json.RawMessage `json:"ts"`
	UserAgent     string          `json:"userAgent"`
	UserID        UserID          `json:"userId"`
}

// PageNextSong marks an event where a song was actually played.
const PageNextSong = "NextSong"

// Normalize rewrites text fields to Unicode NFC.
func (e *LogEvent) Normalize() {
	e.Artist = nfcPtr(e.Artist)
	e.Song = nfcPtr(e.Song)
	e.FirstName = norm.NFC.String(e.FirstName)
	e.LastName = norm.NFC.String(e.LastName)
	e.Location = norm.NFC.String(e.Location)
	e.UserAgent = norm.NFC.String(e.UserAgent)
}

// UserID accepts both "39" and 39 on the wire; logged-out events carry "".
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*u = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("userId: %w", err)
		}
		*u = UserID(n.String())
		return nil
	}
}

func nfcPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := norm.NFC.String(*s)
	return &v
}
