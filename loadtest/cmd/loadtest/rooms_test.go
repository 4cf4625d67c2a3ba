package main

import (
	"testing"
	"time"
)

func TestStampRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	got, ok := parseStamp(stamp(now))
	if !ok || !got.Equal(now) {
		t.Fatalf("parseStamp(stamp(%v)) = %v, %v", now, got, ok)
	}
	for _, s := range []string{"", "12:30", "lt:abc"} {
		if _, ok := parseStamp(s); ok {
			t.Errorf("parseStamp(%q) accepted", s)
		}
	}
}
