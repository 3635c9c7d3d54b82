// Package transform maps decoded source records onto star-schema rows.
package transform

import "sparkify/internal/model"

// SongAndArtist maps the single record of a song file to its song and
// artist rows.
func SongAndArtist(recs []model.SongRecord) (model.Song, model.Artist, error) {
	if len(recs) != 1 {
		return model.Song{}, model.Artist{}, &UnexpectedRecordCountError{Got: len(recs)}
	}
	r := recs[0]
	song := model.Song{
		SongID:   r.SongID,
		Title:    r.Title,
		ArtistID: r.ArtistID,
		Year:     r.Year,
		Duration: r.Duration,
	}
	artist := model.Artist{
		ArtistID:  r.ArtistID,
		Name:      r.ArtistName,
		Location:  r.ArtistLocation,
		Latitude:  r.ArtistLatitude,
		Longitude: r.ArtistLongitude,
	}
	return song, artist, nil
}
