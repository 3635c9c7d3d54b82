// Package json decodes newline-delimited JSON files into typed records.
package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MalformedRecordError reports a line that is not a JSON object matching the
// record shape. Line is 1-based and counts blank lines; Record is the 0-based
// position among non-blank lines, the index the record would have had.
type MalformedRecordError struct {
	Line   int
	Record int
	Err    error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("json: malformed record on line %d: %v", e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// normalizer is implemented by records that canonicalize their text fields
// after decoding.
type normalizer interface {
	Normalize()
}

// ReadRecords decodes every non-blank line of r into a T, in file order.
//
// Behavior:
//   - Lines are read whole; there is no token size limit.
//   - Blank (whitespace-only) lines are skipped but still counted for Line.
//     They do not count for Record.
//   - The first bad line stops decoding and returns *MalformedRecordError.
//   - If *T implements Normalize(), it is called on each decoded record.
func ReadRecords[T any](ctx context.Context, r io.Reader) ([]T, error) {
	br := bufio.NewReader(r)

	var out []T
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("json: read line %d: %w", line+1, readErr)
		}
		if len(raw) > 0 {
			line++
			if rec, ok, err := decodeLine[T](raw); err != nil {
				return nil, &MalformedRecordError{Line: line, Record: len(out), Err: err}
			} else if ok {
				out = append(out, rec)
			}
		}
		if readErr != nil {
			return out, nil
		}
	}
}

func decodeLine[T any](raw []byte) (T, bool, error) {
	var rec T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return rec, false, nil
	}
	if raw[0] != '{' {
		return rec, false, errors.New("not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return rec, false, err
	}
	if dec.InputOffset() != int64(len(raw)) {
		return rec, false, errors.New("trailing data after object")
	}
	if n, ok := any(&rec).(normalizer); ok {
		n.Normalize()
	}
	return rec, true, nil
}
