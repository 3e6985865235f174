/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Validation runs at write time, in the operator surface. The horizon
// builder assumes a valid model and never re-checks these invariants.

var (
	ErrInvalidSlug        = errors.New("slug must be lowercase kebab-case")
	ErrInvalidTimezone    = errors.New("unknown IANA timezone")
	ErrInvalidGrid        = errors.New("grid_block_minutes must be 15, 30 or 60")
	ErrInvalidOffsets     = errors.New("block start offsets must be non-empty, sorted, unique, within 0-59")
	ErrGridMisaligned     = errors.New("gcd of offset gaps does not equal grid_block_minutes")
	ErrInvalidDayStart    = errors.New("programming_day_start must be HH:MM:SS")
	ErrOverlappingBlocks  = errors.New("template blocks overlap")
	ErrIncompleteCoverage = errors.New("full-day template does not tile 00:00-24:00")
	ErrBlockMisaligned    = errors.New("block not aligned to the channel grid")
	ErrTemplatePublished  = errors.New("published templates are immutable")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks the channel invariants.
func (c Channel) Validate() error {
	if !slugPattern.MatchString(c.Slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, c.Slug)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Timezone)
	}
	switch c.GridBlockMinutes {
	case 15, 30, 60:
	default:
		return fmt.Errorf("%w: got %d", ErrInvalidGrid, c.GridBlockMinutes)
	}
	if err := validateOffsets(c.BlockStartOffsets); err != nil {
		return err
	}
	if gcd := offsetGapGCD(c.BlockStartOffsets); gcd != c.GridBlockMinutes {
		return fmt.Errorf("%w: gcd=%d grid=%d", ErrGridMisaligned, gcd, c.GridBlockMinutes)
	}
	if _, err := ParseDayTime(c.ProgrammingDayStart); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDayStart, c.ProgrammingDayStart)
	}
	return nil
}

func validateOffsets(offsets []int) error {
	if len(offsets) == 0 {
		return ErrInvalidOffsets
	}
	for i, off := range offsets {
		if off < 0 || off > 59 {
			return fmt.Errorf("%w: offset %d", ErrInvalidOffsets, off)
		}
		if i > 0 && off <= offsets[i-1] {
			return fmt.Errorf("%w: offsets not strictly ascending", ErrInvalidOffsets)
		}
	}
	return nil
}

// offsetGapGCD computes the gcd of consecutive offset gaps, with the
// final gap wrapped at 60. A single offset yields a 60 minute gap.
func offsetGapGCD(offsets []int) int {
	if len(offsets) == 0 {
		return 0
	}
	sorted := append([]int(nil), offsets...)
	sort.Ints(sorted)

	result := 0
	for i := range sorted {
		var gap int
		if i == len(sorted)-1 {
			gap = sorted[0] + 60 - sorted[i]
		} else {
			gap = sorted[i+1] - sorted[i]
		}
		result = gcd(result, gap)
	}
	return result
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ParseDayTime parses an HH:MM:SS string as an offset from local midnight.
func ParseDayTime(s string) (time.Duration, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("parse day time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("day time %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// Span returns the block's start offset and duration in channel-local
// time for the given grid unit.
func (b TemplateBlock) Span(gridMinutes int) (start, duration time.Duration, err error) {
	start, err = ParseDayTime(b.StartTime)
	if err != nil {
		return 0, 0, err
	}
	if b.DurationBlocks < 1 {
		return 0, 0, fmt.Errorf("%w: duration_blocks=%d", ErrBlockMisaligned, b.DurationBlocks)
	}
	duration = time.Duration(b.DurationBlocks*gridMinutes) * time.Minute
	return start, duration, nil
}

// ValidateForChannel checks the template invariants against its channel.
// policyKnown reports whether a selection policy name is registered, so
// an unknown policy fails at publish time instead of at build time.
func (t ScheduleTemplate) ValidateForChannel(ch Channel, policyKnown func(string) bool) error {
	type span struct {
		start, end time.Duration
		daypart    string
	}
	spans := make([]span, 0, len(t.Blocks))

	for _, block := range t.Blocks {
		start, dur, err := block.Span(ch.GridBlockMinutes)
		if err != nil {
			return err
		}
		if start%time.Minute != 0 || !offsetAllowed(ch.BlockStartOffsets, int(start/time.Minute)%60) {
			return fmt.Errorf("%w: block %q starts at %s", ErrBlockMisaligned, block.Daypart, block.StartTime)
		}
		if policyKnown != nil {
			// An absent policy falls back to the default at parse time.
			policy, _ := block.Rule["policy"].(string)
			if policy != "" && !policyKnown(policy) {
				return fmt.Errorf("unknown selection policy %q in block %q", policy, block.Daypart)
			}
		}
		spans = append(spans, span{start: start, end: start + dur, daypart: block.Daypart})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("%w: %q and %q", ErrOverlappingBlocks, spans[i-1].daypart, spans[i].daypart)
		}
	}

	if t.FullDay {
		if len(spans) == 0 || spans[0].start != 0 {
			return ErrIncompleteCoverage
		}
		for i := 1; i < len(spans); i++ {
			if spans[i].start != spans[i-1].end {
				return ErrIncompleteCoverage
			}
		}
		if spans[len(spans)-1].end != 24*time.Hour {
			return ErrIncompleteCoverage
		}
	}

	return nil
}

func offsetAllowed(offsets []int, minute int) bool {
	for _, off := range offsets {
		if off == minute {
			return true
		}
	}
	return false
}
