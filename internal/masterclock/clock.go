/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package masterclock is the sole source of current time for the system.
// Every other component takes a *Clock instead of calling time.Now, so
// that playout, scheduling, and tests all agree on what "now" means.
package masterclock

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/telemetry"
)

// Precision controls output granularity. It never affects ordering:
// truncation is monotone, so a non-decreasing raw clock stays
// non-decreasing after rounding.
type Precision string

const (
	PrecisionSecond      Precision = "second"
	PrecisionMillisecond Precision = "millisecond"
	PrecisionMicrosecond Precision = "microsecond"
)

func (p Precision) unit() time.Duration {
	switch p {
	case PrecisionSecond:
		return time.Second
	case PrecisionMicrosecond:
		return time.Microsecond
	default:
		return time.Millisecond
	}
}

// TimeSource abstracts the raw system clock so tests can substitute one.
type TimeSource interface {
	Now() time.Time
}

type systemSource struct{}

func (systemSource) Now() time.Time { return time.Now() }

// SystemSource returns the real wall clock source.
func SystemSource() TimeSource { return systemSource{} }

// Clock is a timezone-aware master clock with a bounded location cache.
// Safe for concurrent use by all channel pipelines.
type Clock struct {
	source    TimeSource
	precision Precision
	logger    zerolog.Logger

	mu   sync.Mutex
	last time.Time // monotonic floor for NowUTC

	tzMu     sync.RWMutex
	tzCache  map[string]*time.Location
	tzMax    int
	badZones map[string]struct{} // zones already warned about
}

// New constructs a master clock backed by source.
func New(source TimeSource, precision Precision, cacheMax int, logger zerolog.Logger) *Clock {
	if source == nil {
		source = systemSource{}
	}
	if cacheMax <= 0 {
		cacheMax = 256
	}
	return &Clock{
		source:    source,
		precision: precision,
		logger:    logger,
		tzCache:   map[string]*time.Location{"UTC": time.UTC},
		tzMax:     cacheMax,
		badZones:  make(map[string]struct{}),
	}
}

// NowUTC returns the current instant in UTC, non-decreasing across calls
// from the same process even if the underlying clock steps backwards.
func (c *Clock) NowUTC() time.Time {
	now := c.source.Now().UTC()

	c.mu.Lock()
	if now.Before(c.last) {
		now = c.last
	} else {
		c.last = now
	}
	c.mu.Unlock()

	return now.Truncate(c.precision.unit())
}

// NowLocal returns the current instant converted to the named IANA zone.
// An unknown zone degrades to UTC; it never fails the caller.
func (c *Clock) NowLocal(tz string) time.Time {
	return c.NowUTC().In(c.Location(tz))
}

// SecondsSince returns max(0, now - t) in seconds. Clock skew that puts
// t in the future yields zero, never a negative interval.
func (c *Clock) SecondsSince(t time.Time) float64 {
	d := c.Since(t)
	return d.Seconds()
}

// Since returns max(0, now - t).
func (c *Clock) Since(t time.Time) time.Duration {
	d := c.NowUTC().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// ConvertTimezone reinterprets t from one zone to another. It is pure:
// the instant is unchanged, only the presentation zone moves, which
// keeps it correct across DST transitions. Unknown zones degrade to UTC.
func (c *Clock) ConvertTimezone(t time.Time, from, to string) time.Time {
	fromLoc := c.Location(from)
	toLoc := c.Location(to)

	// If t carries no zone, interpret its wall fields in the from zone.
	if t.Location() == time.UTC && from != "UTC" && from != "" {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), fromLoc)
	}
	return t.In(toLoc)
}

// Location resolves a zone name through the bounded cache. Invalid names
// return UTC and record a warning once per zone.
func (c *Clock) Location(tz string) *time.Location {
	if tz == "" || tz == "UTC" {
		return time.UTC
	}

	c.tzMu.RLock()
	loc, ok := c.tzCache[tz]
	c.tzMu.RUnlock()
	if ok {
		return loc
	}

	loaded, err := time.LoadLocation(tz)
	if err != nil {
		c.warnBadZone(tz, err)
		return time.UTC
	}

	c.tzMu.Lock()
	// Another goroutine may have populated the entry while we loaded.
	if existing, ok := c.tzCache[tz]; ok {
		c.tzMu.Unlock()
		return existing
	}
	if len(c.tzCache) < c.tzMax {
		c.tzCache[tz] = loaded
	}
	c.tzMu.Unlock()

	return loaded
}

func (c *Clock) warnBadZone(tz string, err error) {
	c.tzMu.Lock()
	_, seen := c.badZones[tz]
	if !seen {
		c.badZones[tz] = struct{}{}
	}
	c.tzMu.Unlock()

	telemetry.ClockTimezoneFallbacks.Inc()
	if !seen {
		c.logger.Warn().Err(err).Str("timezone", tz).Msg("unknown timezone, falling back to UTC")
	}
}

// WarnedZones reports the invalid zone names seen so far.
func (c *Clock) WarnedZones() []string {
	c.tzMu.RLock()
	defer c.tzMu.RUnlock()
	out := make([]string, 0, len(c.badZones))
	for tz := range c.badZones {
		out = append(out, tz)
	}
	return out
}
