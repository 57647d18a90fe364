package main

import (
	"testing"
	"time"
)

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("2026-03-01", "09:00", "11:30")
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}

	wantStart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if got := end.Sub(start); got != 150*time.Minute {
		t.Errorf("duration = %v, want 2h30m", got)
	}
}

func TestParseRangeDefaultsToToday(t *testing.T) {
	start, _, err := parseRange("", "09:00", "10:00")
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	now := time.Now()
	if start.Year() != now.Year() || start.Month() != now.Month() || start.Day() != now.Day() {
		t.Errorf("start date = %v, want today", start)
	}
}

func TestParseRangeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name             string
		date, start, end string
	}{
		{"end before start", "", "11:00", "10:00"},
		{"equal times", "", "10:00", "10:00"},
		{"bad clock", "", "25:00", "26:00"},
		{"bad date", "March 1st", "09:00", "10:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := parseRange(tc.date, tc.start, tc.end); err == nil {
				t.Errorf("parseRange(%q, %q, %q) succeeded, want error", tc.date, tc.start, tc.end)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("1772400000000")
	if err != nil {
		t.Fatalf("parseID: %v", err)
	}
	if id != 1772400000000 {
		t.Errorf("id = %d", id)
	}

	if _, err := parseID("not-a-number"); err == nil {
		t.Error("parseID accepted garbage")
	}
}
