package multitable

import (
	"bytes"
	_ "embed"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

//go:embed star_schema.yaml
var starSchemaYAML []byte

// Schema is the declared star schema: table specs in creation order.
type Schema struct {
	Tables []storage.TableSpec `yaml:"tables"`
}

// DefaultSchema returns the embedded star schema.
func DefaultSchema() (Schema, error) {
	return ParseSchema(starSchemaYAML)
}

// ParseSchema decodes a YAML schema document. Unknown keys are rejected so a
// typo in a table spec does not silently drop a constraint.
func ParseSchema(b []byte) (Schema, error) {
	var s Schema
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Schema{}, fmt.Errorf("schema: %w", err)
	}
	if len(s.Tables) == 0 {
		return Schema{}, fmt.Errorf("schema: no tables")
	}
	return s, nil
}

// Table returns the spec named name.
func (s Schema) Table(name string) (storage.TableSpec, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return storage.TableSpec{}, false
}

// tableSet is the schema bound to the row types the engine writes.
type tableSet struct {
	artists    storage.TableSpec
	songs      storage.TableSpec
	time       storage.TableSpec
	users      storage.TableSpec
	songplays  storage.TableSpec
	songLookup storage.LookupSpec
}

// bind checks that every table the engine writes exists with the column
// order of its row type, and extracts the songplay lookup.
func (s Schema) bind() (tableSet, error) {
	var ts tableSet
	for _, want := range []struct {
		name string
		cols []string
		dst  *storage.TableSpec
	}{
		{"artists", model.ArtistColumns, &ts.artists},
		{"songs", model.SongColumns, &ts.songs},
		{"time", model.TimeColumns, &ts.time},
		{"users", model.UserColumns, &ts.users},
		{"songplays", model.SongplayColumns, &ts.songplays},
	} {
		t, ok := s.Table(want.name)
		if !ok {
			return tableSet{}, fmt.Errorf("schema: missing table %q", want.name)
		}
		if got := t.ColumnNames(); !slices.Equal(got, want.cols) {
			return tableSet{}, fmt.Errorf("schema: table %s columns %v, want %v", want.name, got, want.cols)
		}
		*want.dst = t
	}

	if len(ts.songplays.Load.Lookups) != 1 {
		return tableSet{}, fmt.Errorf("schema: songplays needs exactly one lookup, got %d", len(ts.songplays.Load.Lookups))
	}
	lk := ts.songplays.Load.Lookups[0]
	if err := lk.Validate(); err != nil {
		return tableSet{}, fmt.Errorf("schema: %w", err)
	}
	if len(lk.Match) != 3 || !slices.Equal(lk.Targets, []string{"song_id", "artist_id"}) {
		return tableSet{}, fmt.Errorf("schema: lookup %s must match (title, name, duration) and fill song_id, artist_id", lk.Name)
	}
	ts.songLookup = lk
	return ts, nil
}
