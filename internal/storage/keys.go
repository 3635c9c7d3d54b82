package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScanKey converts a key column scanned into `any` to *string. NULL becomes
// nil. Drivers disagree on text columns (string for pgx, []byte for several
// database/sql drivers), so both are accepted.
func ScanKey(v any) (*string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return nil, fmt.Errorf("unexpected key type %T", v)
	}
	return &s, nil
}

// DedupeKey builds a composite map key from vals. NULL and the empty string
// produce different keys; time values compare by instant.
func DedupeKey(vals ...any) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		switch x := v.(type) {
		case nil:
			b.WriteByte(0)
		case string:
			b.WriteString(x)
		case []byte:
			b.Write(x)
		case time.Time:
			b.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprint(&b, x)
		}
	}
	return b.String()
}
