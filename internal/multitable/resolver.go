package multitable

import (
	"context"
	"fmt"

	"sparkify/internal/storage"
	"sparkify/internal/transform"
)

// lookupLimit bounds the resolver query: one row to use and one more to
// detect ambiguity.
const lookupLimit = 2

// resolution is the outcome of resolving one play.
type resolution struct {
	SongID   *string
	ArtistID *string
	// Ambiguous is set when more than one song matched.
	Ambiguous *ResolutionAmbiguityWarning
}

// Resolver maps a play's (song title, artist name, length) to the stored
// song_id and artist_id using the schema's lookup spec.
type Resolver struct {
	Lookup storage.LookupSpec
}

// Resolve runs the lookup inside tx. A play missing any of the three match
// values resolves to NULL keys without querying. No match also resolves to
// NULL keys; that is not an error.
func (r Resolver) Resolve(ctx context.Context, tx storage.Tx, p transform.Play) (resolution, error) {
	e := p.Event
	if e.Song == nil || e.Artist == nil || e.Length == nil {
		return resolution{}, nil
	}

	rows, err := tx.Lookup(ctx, r.Lookup, []any{*e.Song, *e.Artist, *e.Length}, lookupLimit)
	if err != nil {
		return resolution{}, &recordError{index: p.Index, err: err}
	}
	if len(rows) == 0 {
		return resolution{}, nil
	}

	first := rows[0]
	if len(first) < 2 {
		return resolution{}, &recordError{index: p.Index, err: fmt.Errorf("lookup %s: %d columns returned, want 2", r.Lookup.Name, len(first))}
	}
	songID, err := storage.ScanKey(first[0])
	if err != nil {
		return resolution{}, &recordError{index: p.Index, err: fmt.Errorf("lookup %s song_id: %w", r.Lookup.Name, err)}
	}
	artistID, err := storage.ScanKey(first[1])
	if err != nil {
		return resolution{}, &recordError{index: p.Index, err: fmt.Errorf("lookup %s artist_id: %w", r.Lookup.Name, err)}
	}

	out := resolution{SongID: songID, ArtistID: artistID}
	if len(rows) > 1 {
		chosen := ""
		if songID != nil {
			chosen = *songID
		}
		out.Ambiguous = &ResolutionAmbiguityWarning{
			Index:   p.Index,
			Title:   *e.Song,
			Artist:  *e.Artist,
			Length:  *e.Length,
			Matches: len(rows),
			Chosen:  chosen,
		}
	}
	return out, nil
}
