package store

import (
	"errors"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Amélie", "amelie"},
		{"  The   MATRIX  ", "the matrix"},
		{"Crème Brûlée (2020)", "creme brulee (2020)"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupeKey(t *testing.T) {
	a := Record{FileName: "Movie.MKV", FileSize: 100}
	b := Record{FileName: " movie.mkv ", FileSize: 100}
	c := Record{FileName: "movie.mkv", FileSize: 101}
	if a.DedupeKey() != b.DedupeKey() {
		t.Fatalf("case and spacing must not matter: %q vs %q", a.DedupeKey(), b.DedupeKey())
	}
	if a.DedupeKey() == c.DedupeKey() {
		t.Fatal("size must be part of the key")
	}
	if (Record{FileSize: 1}).DedupeKey() != "" {
		t.Fatal("records without a file name have no key")
	}
}

func TestHashIgnoresTimestamps(t *testing.T) {
	r := Record{UniqueID: "x", Title: "T", FileName: "f", FileSize: 1}
	a := r.prepare(time.Unix(100, 0))
	b := r.prepare(time.Unix(200, 0))
	if a.ContentHash != b.ContentHash {
		t.Fatal("hash must not depend on timestamps")
	}
	r.Caption = "changed"
	if r.prepare(time.Unix(100, 0)).ContentHash == a.ContentHash {
		t.Fatal("hash must change with content")
	}
}

func TestValidate(t *testing.T) {
	if err := (Record{Title: "t"}).Validate(); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if err := (Record{UniqueID: "x", Title: " "}).Validate(); !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
	if err := (Record{UniqueID: "x", Title: "t"}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
