package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

	encoded := Encode(Cursor{Ts: ts, ID: id})
	if encoded == "" {
		t.Fatal("expected non-empty cursor")
	}

	decoded, ok := Decode(encoded)
	if !ok {
		t.Fatalf("Decode(%q) failed", encoded)
	}
	if !decoded.Ts.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", decoded.Ts, ts)
	}
	if decoded.ID != id {
		t.Errorf("id = %v, want %v", decoded.ID, id)
	}
}

func TestEncodeZeroValue(t *testing.T) {
	if got := Encode(Cursor{}); got != "" {
		t.Errorf("Encode(zero) = %q, want empty", got)
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"no separator", "aGVsbG8"},
		{"bad timestamp", "eHx8"},
		{"bad uuid", "MTcwOTAwMDAwMDAwMHxub3QtYS11dWlk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Decode(tt.in); ok {
				t.Errorf("Decode(%q) succeeded, want failure", tt.in)
			}
		})
	}
}

func TestDecodeRejectsExtraParts(t *testing.T) {
	// A cursor with a smuggled third component must not parse.
	raw := "1700000000000|" + uuid.New().String() + "|tail"
	encoded := base64.RawURLEncoding.EncodeToString([]byte(raw))
	if _, ok := Decode(encoded); ok {
		t.Error("cursor with three components decoded, want rejection")
	}
}
