package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoEffectiveTemplate means no ScheduleDay assignment resolves for a
// date. There is deliberately no silent default template.
var ErrNoEffectiveTemplate = errors.New("no effective template for date")

// BroadcastDate is the YYYY-MM-DD label of a broadcast day.
const BroadcastDateLayout = "2006-01-02"

// BroadcastDayStart returns the UTC instant at which the named broadcast
// day begins for the channel. The anchor is the programming day start as
// a local wall time, so the result is DST-correct: a day spanning a
// transition is 23 or 25 hours long rather than drifting.
func (c Channel) BroadcastDayStart(loc *time.Location, date string) (time.Time, error) {
	day, err := time.ParseInLocation(BroadcastDateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse broadcast date %q: %w", date, err)
	}
	offset, err := ParseDayTime(c.ProgrammingDayStart)
	if err != nil {
		return time.Time{}, err
	}
	h := int(offset / time.Hour)
	m := int(offset/time.Minute) % 60
	s := int(offset/time.Second) % 60
	start := time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, loc)
	return start.UTC(), nil
}

// BroadcastDayFor returns the broadcast-day label containing instant.
// Instants before the programming day start belong to the previous
// calendar date's broadcast day.
func (c Channel) BroadcastDayFor(loc *time.Location, instant time.Time) string {
	local := instant.In(loc)
	offset, err := ParseDayTime(c.ProgrammingDayStart)
	if err != nil {
		offset = 0
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayStart := midnight.Add(offset)
	if local.Before(dayStart) {
		midnight = midnight.AddDate(0, 0, -1)
	}
	return midnight.Format(BroadcastDateLayout)
}

// ResolveEffectiveTemplate picks the template effective for a broadcast
// date from the channel's assignments. The most recently assigned
// ScheduleDay wins; ties break on ID for determinism. A date with no
// assignment fails rather than falling back to a default.
func ResolveEffectiveTemplate(assignments []ScheduleDay, templates map[string]ScheduleTemplate, date string) (ScheduleTemplate, error) {
	var winner *ScheduleDay
	for i := range assignments {
		a := &assignments[i]
		if a.ScheduleDate != date {
			continue
		}
		if winner == nil ||
			a.CreatedAt.After(winner.CreatedAt) ||
			(a.CreatedAt.Equal(winner.CreatedAt) && a.ID > winner.ID) {
			winner = a
		}
	}
	if winner == nil {
		return ScheduleTemplate{}, fmt.Errorf("%w: %s", ErrNoEffectiveTemplate, date)
	}
	tmpl, ok := templates[winner.TemplateID]
	if !ok {
		return ScheduleTemplate{}, fmt.Errorf("%w: assignment %s references missing template %s", ErrNoEffectiveTemplate, winner.ID, winner.TemplateID)
	}
	if !tmpl.Published() {
		return ScheduleTemplate{}, fmt.Errorf("%w: template %s is unpublished", ErrNoEffectiveTemplate, tmpl.ID)
	}
	return tmpl, nil
}
