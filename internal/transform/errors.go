package transform

import "fmt"

// UnexpectedRecordCountError reports a song file that does not hold exactly
// one record.
type UnexpectedRecordCountError struct {
	Got int
}

func (e *UnexpectedRecordCountError) Error() string {
	return fmt.Sprintf("song file: expected exactly 1 record, got %d", e.Got)
}

// TimestampParseError reports a log record whose ts could not be read as
// epoch milliseconds. Index is the record's position in the unfiltered file.
type TimestampParseError struct {
	Index int
	Raw   string
	Err   error
}

func (e *TimestampParseError) Error() string {
	return fmt.Sprintf("record %d: bad ts %q: %v", e.Index, e.Raw, e.Err)
}

func (e *TimestampParseError) Unwrap() error { return e.Err }
