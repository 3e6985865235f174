/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package masterclock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSource replays a scripted sequence of instants, repeating the
// last one when exhausted.
type fakeSource struct {
	times []time.Time
	idx   int
}

func (f *fakeSource) Now() time.Time {
	if f.idx >= len(f.times) {
		return f.times[len(f.times)-1]
	}
	t := f.times[f.idx]
	f.idx++
	return t
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNowUTCMonotonic(t *testing.T) {
	source := &fakeSource{times: []time.Time{
		at("2026-03-01T12:00:10Z"),
		at("2026-03-01T12:00:05Z"), // clock stepped backwards
		at("2026-03-01T12:00:20Z"),
	}}
	clock := New(source, PrecisionMillisecond, 16, zerolog.Nop())

	first := clock.NowUTC()
	second := clock.NowUTC()
	third := clock.NowUTC()

	if second.Before(first) {
		t.Errorf("NowUTC went backwards: %v then %v", first, second)
	}
	if !second.Equal(first) {
		t.Errorf("backwards step should hold at the floor, got %v want %v", second, first)
	}
	if !third.After(second) {
		t.Errorf("clock should resume once the source catches up, got %v after %v", third, second)
	}
}

func TestNowUTCPrecision(t *testing.T) {
	base := at("2026-03-01T12:00:00Z").Add(1234567 * time.Microsecond)

	tests := []struct {
		name      string
		precision Precision
		want      time.Time
	}{
		{"second", PrecisionSecond, at("2026-03-01T12:00:01Z")},
		{"millisecond", PrecisionMillisecond, at("2026-03-01T12:00:01Z").Add(234 * time.Millisecond)},
		{"microsecond", PrecisionMicrosecond, at("2026-03-01T12:00:01Z").Add(234567 * time.Microsecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := New(&fakeSource{times: []time.Time{base}}, tt.precision, 16, zerolog.Nop())
			got := clock.NowUTC()
			if !got.Equal(tt.want) {
				t.Errorf("NowUTC() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecondsSinceNeverNegative(t *testing.T) {
	now := at("2026-03-01T12:00:00Z")
	clock := New(&fakeSource{times: []time.Time{now}}, PrecisionSecond, 16, zerolog.Nop())

	future := now.Add(time.Hour)
	if got := clock.SecondsSince(future); got != 0 {
		t.Errorf("SecondsSince(future) = %v, want 0", got)
	}

	past := now.Add(-125 * time.Second)
	if got := clock.SecondsSince(past); got != 125 {
		t.Errorf("SecondsSince(past) = %v, want 125", got)
	}
}

func TestInvalidZoneFallsBackToUTC(t *testing.T) {
	now := at("2026-03-01T12:00:00Z")
	clock := New(&fakeSource{times: []time.Time{now}}, PrecisionSecond, 16, zerolog.Nop())

	local := clock.NowLocal("Invalid/Zone")
	if local.Location() != time.UTC {
		t.Errorf("NowLocal with invalid zone should use UTC, got %v", local.Location())
	}

	warned := clock.WarnedZones()
	if len(warned) != 1 || warned[0] != "Invalid/Zone" {
		t.Errorf("WarnedZones() = %v, want [Invalid/Zone]", warned)
	}

	// Repeat lookups warn only once.
	clock.NowLocal("Invalid/Zone")
	if got := len(clock.WarnedZones()); got != 1 {
		t.Errorf("repeat lookup added a warning, have %d", got)
	}
}

func TestLocationCacheBounded(t *testing.T) {
	clock := New(&fakeSource{times: []time.Time{at("2026-03-01T12:00:00Z")}}, PrecisionSecond, 2, zerolog.Nop())

	zones := []string{"America/New_York", "Europe/Berlin", "Asia/Tokyo", "Australia/Sydney"}
	for _, tz := range zones {
		if loc := clock.Location(tz); loc == time.UTC {
			t.Errorf("Location(%q) fell back to UTC for a valid zone", tz)
		}
	}

	clock.tzMu.RLock()
	size := len(clock.tzCache)
	clock.tzMu.RUnlock()
	if size > 2+1 { // bound plus the preseeded UTC entry
		t.Errorf("cache grew past its bound: %d entries", size)
	}
}

func TestConvertTimezoneAcrossDST(t *testing.T) {
	clock := New(&fakeSource{times: []time.Time{at("2026-03-08T12:00:00Z")}}, PrecisionSecond, 16, zerolog.Nop())

	// 01:30 on the spring-forward date is still EST; the jump to EDT
	// happens at 02:00.
	wall := time.Date(2026, 3, 8, 1, 30, 0, 0, time.UTC)
	got := clock.ConvertTimezone(wall, "America/New_York", "UTC")

	want := at("2026-03-08T06:30:00Z")
	if !got.Equal(want) {
		t.Errorf("ConvertTimezone = %v, want %v", got, want)
	}
}

func TestConvertTimezonePure(t *testing.T) {
	clock := New(&fakeSource{times: []time.Time{at("2026-03-01T12:00:00Z")}}, PrecisionSecond, 16, zerolog.Nop())

	ny := clock.Location("America/New_York")
	instant := time.Date(2026, 6, 1, 18, 0, 0, 0, ny)
	got := clock.ConvertTimezone(instant, "America/New_York", "Asia/Tokyo")

	if !got.Equal(instant) {
		t.Errorf("conversion changed the instant: %v vs %v", got, instant)
	}
	if got.Location().String() != "Asia/Tokyo" {
		t.Errorf("conversion kept zone %v", got.Location())
	}
}
