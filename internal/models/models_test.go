package models

import (
	"testing"
	"time"
)

func TestParseTimeRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	got, ok := ParseTime(FormatTime(now))
	if !ok {
		t.Fatal("formatted timestamp did not parse back")
	}
	if !got.Equal(now) {
		t.Errorf("round trip changed value: %v -> %v", now, got)
	}
}

func TestParseTimeSecondPrecisionFallback(t *testing.T) {
	got, ok := ParseTime("2025-06-01T12:30:45")
	if !ok {
		t.Fatal("second-precision timestamp did not parse")
	}
	want := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parsed %v, want %v", got, want)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "garbage", "2025-13-45", "12:30"} {
		if _, ok := ParseTime(s); ok {
			t.Errorf("ParseTime(%q) parsed, want failure", s)
		}
	}
}

func TestResourceExpiry(t *testing.T) {
	r := Resource{ID: "node-1"}
	if _, ok := r.Expiry(); ok {
		t.Error("free resource reported an expiry")
	}
	if r.Leased() {
		t.Error("free resource reported as leased")
	}

	r.BookedBy = "a@example.com"
	r.ExpiresAt = "not-a-timestamp"
	if _, ok := r.Expiry(); ok {
		t.Error("unparsable expiry reported as valid")
	}
	if !r.Leased() {
		t.Error("owned resource reported as free")
	}
}
