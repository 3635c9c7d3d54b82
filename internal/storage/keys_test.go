package storage

import (
	"testing"
	"time"
)

func TestScanKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      any
		want    *string
		wantErr bool
	}{
		{name: "null", in: nil, want: nil},
		{name: "string", in: "SOMZWCG12A8C13C480", want: strp("SOMZWCG12A8C13C480")},
		{name: "bytes", in: []byte("ARD7TVE1187B99BFB1"), want: strp("ARD7TVE1187B99BFB1")},
		{name: "int64", in: int64(8429529), want: strp("8429529")},
		{name: "float", in: 1.5, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ScanKey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %T", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ScanKey: %v", err)
			}
			switch {
			case tc.want == nil && got != nil:
				t.Fatalf("got %q, want nil", *got)
			case tc.want != nil && (got == nil || *got != *tc.want):
				t.Fatalf("got %v, want %q", got, *tc.want)
			}
		})
	}
}

func TestDedupeKey(t *testing.T) {
	t.Parallel()

	ts := time.Date(2018, 11, 1, 20, 57, 10, 796e6, time.UTC)
	same := ts.In(time.FixedZone("x", 3600))

	if DedupeKey(ts) != DedupeKey(same) {
		t.Fatalf("same instant in different zones should collide")
	}
	if DedupeKey(nil) == DedupeKey("") {
		t.Fatalf("NULL and empty string must differ")
	}
	if DedupeKey("a", "b") == DedupeKey("ab") {
		t.Fatalf("column boundary lost")
	}
	if DedupeKey([]byte("U1"), 2) != DedupeKey("U1", 2) {
		t.Fatalf("bytes and string forms should match")
	}
}

func strp(s string) *string { return &s }
