/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler builds the rolling playout horizon. For each
// broadcast day it resolves the effective template, runs the selection
// policies against a canonical catalog snapshot, and commits the
// resulting playlog in one transaction per day.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/cache"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/rules"
	"github.com/retrovue/retrovue/internal/store"
	"github.com/retrovue/retrovue/internal/telemetry"
)

// DayResult is the outcome of building one broadcast day. A day either
// commits (possibly with slot failures recorded), is skipped because
// its inputs are unchanged since the last committed build, or fails
// entirely and leaves the previously built playlog untouched.
type DayResult struct {
	BroadcastDay string
	Events       []models.PlaylogEvent
	Failures     []models.BuildFailure
	Unchanged    bool
	Err          error
}

// Result is the outcome of one horizon build request.
type Result struct {
	ChannelID string
	Days      []DayResult
}

type buildCall struct {
	done   chan struct{}
	result DayResult
}

// Service orchestrates horizon builds across channels.
type Service struct {
	config  store.ConfigReader
	playlog store.PlaylogWriter
	clock   *masterclock.Clock
	bus     *events.Bus
	cache   *cache.Cache
	logger  zerolog.Logger

	horizon  time.Duration
	interval time.Duration

	inflightMu sync.Mutex
	inflight   map[string]*buildCall
}

// New constructs the scheduler service.
func New(config store.ConfigReader, playlog store.PlaylogWriter, clock *masterclock.Clock, bus *events.Bus, horizon, interval time.Duration, logger zerolog.Logger) *Service {
	if horizon <= 0 {
		horizon = 48 * time.Hour
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{
		config:   config,
		playlog:  playlog,
		clock:    clock,
		bus:      bus,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		horizon:  horizon,
		interval: interval,
		inflight: make(map[string]*buildCall),
	}
}

// SetCache sets the cache instance for the scheduler.
func (s *Service) SetCache(c *cache.Cache) {
	s.cache = c
}

// Run executes the pre-build loop until the context is cancelled. Days
// are built ahead of need so playout never stalls at a rollover.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("horizon", s.horizon).Msg("scheduler loop started")
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	telemetry.SchedulerTicksTotal.Inc()

	channels, err := s.getChannels(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler failed to load channels")
		telemetry.SchedulerErrorsTotal.WithLabelValues("", "load_channels").Inc()
		return
	}

	for _, ch := range channels {
		result, err := s.BuildPlayoutHorizon(ctx, ch.ID, s.clock.NowUTC(), s.horizon)
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", ch.Slug).Msg("horizon build failed")
			telemetry.SchedulerErrorsTotal.WithLabelValues(ch.ID, "build_horizon").Inc()
			continue
		}
		for _, day := range result.Days {
			if day.Err != nil {
				s.logger.Warn().Err(day.Err).
					Str("channel", ch.Slug).
					Str("broadcast_day", day.BroadcastDay).
					Msg("broadcast day build failed")
			}
		}
	}
}

// getChannels retrieves active channels, using cache when available.
func (s *Service) getChannels(ctx context.Context) ([]models.Channel, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetChannelList(ctx); ok {
			return cached, nil
		}
	}

	channels, err := s.config.ActiveChannels(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetChannelList(ctx, channels)
	}
	return channels, nil
}

// BuildPlayoutHorizon builds every broadcast day that intersects
// [horizonStart, horizonStart+horizonLength) for one channel. The
// catalog is snapshotted once at submission, so a mid-build promotion
// is not visible and rebuilding against the same snapshot and rotation
// state yields identical events. Per-day failures are reported in the
// result; they never abort the remaining days.
func (s *Service) BuildPlayoutHorizon(ctx context.Context, channelID string, horizonStart time.Time, horizonLength time.Duration) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "BuildPlayoutHorizon")
	defer span.End()

	ch, err := s.config.ChannelByID(ctx, channelID)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("load channel: %w", err)
	}
	if !ch.IsActive {
		return Result{}, fmt.Errorf("channel %s is archived", ch.Slug)
	}
	telemetry.AddSpanAttributes(span, map[string]any{
		"channel_id":   ch.ID,
		"channel_slug": ch.Slug,
	})

	loc := s.clock.Location(ch.Timezone)

	snapshot, err := s.config.CanonicalSnapshot(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("catalog snapshot: %w", err)
	}

	dates, err := s.broadcastDays(ch, loc, horizonStart, horizonLength)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, err
	}

	result := Result{ChannelID: ch.ID}
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Days = append(result.Days, s.buildDay(ctx, ch, loc, date, snapshot))
	}
	return result, nil
}

// broadcastDays lists the broadcast dates whose day windows intersect
// the requested span. Day boundaries are anchored at the channel's
// programming day start and never drift across a DST rollover.
func (s *Service) broadcastDays(ch models.Channel, loc *time.Location, start time.Time, length time.Duration) ([]string, error) {
	first := ch.BroadcastDayFor(loc, start)
	until := start.Add(length)

	date, err := time.ParseInLocation(models.BroadcastDateLayout, first, loc)
	if err != nil {
		return nil, fmt.Errorf("broadcast date %q: %w", first, err)
	}

	var dates []string
	for {
		label := date.Format(models.BroadcastDateLayout)
		dayStart, err := ch.BroadcastDayStart(loc, label)
		if err != nil {
			return nil, err
		}
		if !dayStart.Before(until) {
			break
		}
		dates = append(dates, label)
		date = date.AddDate(0, 0, 1)
	}
	return dates, nil
}

// buildDay deduplicates concurrent rebuilds of the same channel/day:
// the first caller computes, later callers wait for its result.
func (s *Service) buildDay(ctx context.Context, ch models.Channel, loc *time.Location, date string, snapshot []models.CatalogAsset) DayResult {
	key := ch.ID + "|" + date

	s.inflightMu.Lock()
	if call, ok := s.inflight[key]; ok {
		s.inflightMu.Unlock()
		select {
		case <-ctx.Done():
			return DayResult{BroadcastDay: date, Err: ctx.Err()}
		case <-call.done:
			return call.result
		}
	}
	call := &buildCall{done: make(chan struct{})}
	s.inflight[key] = call
	s.inflightMu.Unlock()

	result := s.compileDay(ctx, ch, loc, date, snapshot)

	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()

	call.result = result
	close(call.done)
	return result
}

func (s *Service) compileDay(ctx context.Context, ch models.Channel, loc *time.Location, date string, snapshot []models.CatalogAsset) DayResult {
	started := s.clock.NowUTC()
	result := DayResult{BroadcastDay: date}

	fail := func(err error) DayResult {
		result.Err = err
		telemetry.SchedulerErrorsTotal.WithLabelValues(ch.ID, "compile_day").Inc()
		s.publish(events.EventBuildFailure, events.Payload{
			"channel_id":    ch.ID,
			"broadcast_day": date,
			"error":         err.Error(),
		})
		return result
	}

	assignments, err := s.config.Assignments(ctx, ch.ID, []string{date})
	if err != nil {
		return fail(fmt.Errorf("load assignments: %w", err))
	}
	templateIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		templateIDs = append(templateIDs, a.TemplateID)
	}
	templates, err := s.config.TemplatesByID(ctx, templateIDs)
	if err != nil {
		return fail(fmt.Errorf("load templates: %w", err))
	}

	tmpl, err := models.ResolveEffectiveTemplate(assignments, templates, date)
	if err != nil {
		return fail(fmt.Errorf("broadcast day %s: %w", date, err))
	}

	// A day whose inputs match its last committed build is left alone:
	// recompiling it would advance rotation state and supersede a
	// playlog that nothing invalidated.
	fingerprint := buildFingerprint(ch, tmpl, snapshot)
	last, err := s.playlog.DayFingerprint(ctx, ch.ID, date)
	if err != nil {
		return fail(fmt.Errorf("load day fingerprint: %w", err))
	}
	if last == fingerprint {
		result.Unchanged = true
		s.logger.Debug().
			Str("channel", ch.Slug).
			Str("broadcast_day", date).
			Msg("broadcast day unchanged, skipping rebuild")
		return result
	}

	dayStart, err := ch.BroadcastDayStart(loc, date)
	if err != nil {
		return fail(err)
	}

	blocks := append([]models.TemplateBlock(nil), tmpl.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Position < blocks[j].Position })

	states := make(map[string]rules.State)
	var evts []models.PlaylogEvent
	var failures []models.BuildFailure

	for _, block := range blocks {
		blockEvents, newState, ruleKey, ferr := s.compileBlock(ctx, ch, loc, date, dayStart, tmpl, block, snapshot, states)
		if ferr != nil {
			failures = append(failures, models.BuildFailure{
				ID:           uuid.NewString(),
				ChannelID:    ch.ID,
				BroadcastDay: date,
				BlockID:      block.ID,
				Daypart:      block.Daypart,
				Reason:       ferr.Error(),
			})
			telemetry.SlotFailuresTotal.WithLabelValues(ch.ID, failureReason(ferr)).Inc()
			continue
		}
		evts = append(evts, blockEvents...)
		if ruleKey != "" {
			states[ruleKey] = newState
		}
	}

	sort.Slice(evts, func(i, j int) bool { return evts[i].StartUTC.Before(evts[j].StartUTC) })

	stateRows := make([]models.RotationState, 0, len(states))
	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		stateRows = append(stateRows, models.RotationState{
			ChannelID: ch.ID,
			RuleKey:   key,
			State:     models.JSONMap(states[key]),
		})
	}

	if err := s.playlog.ReplaceDay(ctx, ch.ID, date, s.clock.NowUTC(), fingerprint, evts, failures, stateRows); err != nil {
		return fail(fmt.Errorf("commit day: %w", err))
	}

	result.Events = evts
	result.Failures = failures

	telemetry.HorizonBuildDuration.WithLabelValues(ch.ID).Observe(s.clock.NowUTC().Sub(started).Seconds())
	telemetry.PlaylogEventsTotal.WithLabelValues(ch.ID).Add(float64(len(evts)))

	s.publish(events.EventHorizonBuilt, events.Payload{
		"channel_id":    ch.ID,
		"broadcast_day": date,
		"events":        len(evts),
		"failures":      len(failures),
	})

	s.logger.Info().
		Str("channel", ch.Slug).
		Str("broadcast_day", date).
		Int("events", len(evts)).
		Int("failures", len(failures)).
		Msg("broadcast day built")

	return result
}

// compileBlock fills one template block. It returns the block's events
// and the advanced rotation state, or an error describing why the slot
// could not be filled. A failed slot contributes nothing: no events and
// no state advance.
func (s *Service) compileBlock(ctx context.Context, ch models.Channel, loc *time.Location, date string, dayStart time.Time, tmpl models.ScheduleTemplate, block models.TemplateBlock, snapshot []models.CatalogAsset, states map[string]rules.State) ([]models.PlaylogEvent, rules.State, string, error) {
	blockStart, blockEnd, err := s.blockWindow(ch, loc, date, dayStart, block)
	if err != nil {
		return nil, nil, "", err
	}

	spec, err := rules.ParseSpec(block.Rule)
	if err != nil {
		return nil, nil, "", fmt.Errorf("rule spec: %w", err)
	}

	ruleKey := spec.Key()
	state, ok := states[ruleKey]
	if !ok {
		stored, err := s.playlog.RotationState(ctx, ch.ID, ruleKey)
		if err != nil {
			return nil, nil, "", fmt.Errorf("load rotation state: %w", err)
		}
		state = rules.State(stored)
	}

	target := blockEnd.Sub(blockStart)
	chosen, newState, err := rules.Select(snapshot, spec, target, state)
	if err != nil {
		if errors.Is(err, rules.ErrEmptyPool) && tmpl.AllowUnderfill {
			gap := s.gapEvent(ch.ID, block.ID, date, blockStart, blockEnd)
			return []models.PlaylogEvent{gap}, state, ruleKey, nil
		}
		return nil, nil, "", err
	}

	var evts []models.PlaylogEvent
	cursor := blockStart
	for _, asset := range chosen {
		if !cursor.Before(blockEnd) {
			break
		}
		end := cursor.Add(asset.Duration)
		if end.After(blockEnd) {
			// Overfill: the last selection is trimmed to the block edge.
			end = blockEnd
		}
		evts = append(evts, models.PlaylogEvent{
			ID:           uuid.NewString(),
			ChannelID:    ch.ID,
			AssetID:      asset.ID,
			BlockID:      block.ID,
			StartUTC:     cursor.UTC(),
			EndUTC:       end.UTC(),
			BroadcastDay: date,
		})
		cursor = end
	}

	if cursor.Before(blockEnd) {
		if !tmpl.AllowUnderfill {
			return nil, nil, "", fmt.Errorf("%w: selected %s of required %s", errUnderfill, cursor.Sub(blockStart), target)
		}
		evts = append(evts, s.gapEvent(ch.ID, block.ID, date, cursor, blockEnd))
	}

	return evts, newState, ruleKey, nil
}

// blockWindow computes the block's absolute span. StartTime is channel
// local wall clock; a wall time before the programming day start
// belongs to the tail of the broadcast day, i.e. the next calendar
// morning.
func (s *Service) blockWindow(ch models.Channel, loc *time.Location, date string, dayStart time.Time, block models.TemplateBlock) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(models.BroadcastDateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("broadcast date %q: %w", date, err)
	}
	offset, err := models.ParseDayTime(block.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("block start %q: %w", block.StartTime, err)
	}

	hours := int(offset / time.Hour)
	minutes := int(offset % time.Hour / time.Minute)
	seconds := int(offset % time.Minute / time.Second)

	start := time.Date(day.Year(), day.Month(), day.Day(), hours, minutes, seconds, 0, loc)
	if start.Before(dayStart) {
		start = time.Date(day.Year(), day.Month(), day.Day()+1, hours, minutes, seconds, 0, loc)
	}

	duration := time.Duration(block.DurationBlocks*ch.GridBlockMinutes) * time.Minute
	return start, start.Add(duration), nil
}

func (s *Service) gapEvent(channelID, blockID, date string, from, until time.Time) models.PlaylogEvent {
	return models.PlaylogEvent{
		ID:           uuid.NewString(),
		ChannelID:    channelID,
		BlockID:      blockID,
		StartUTC:     from.UTC(),
		EndUTC:       until.UTC(),
		BroadcastDay: date,
		Gap:          true,
	}
}

func (s *Service) publish(eventType events.EventType, payload events.Payload) {
	if s.bus != nil {
		s.bus.Publish(eventType, payload)
	}
}

// buildFingerprint digests everything a day build depends on: the
// channel grid, the effective template version, and the catalog
// snapshot. Rotation state is deliberately excluded; it is an output of
// the build, not an input that invalidates one.
func buildFingerprint(ch models.Channel, tmpl models.ScheduleTemplate, snapshot []models.CatalogAsset) string {
	h := sha256.New()
	fmt.Fprintf(h, "channel:%s@%d\n", ch.ID, ch.UpdatedAt.UnixNano())
	fmt.Fprintf(h, "template:%s:v%d@%d\n", tmpl.ID, tmpl.Version, tmpl.UpdatedAt.UnixNano())
	for _, asset := range snapshot {
		fmt.Fprintf(h, "asset:%s:%d@%d\n", asset.ID, asset.Duration, asset.UpdatedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

var errUnderfill = errors.New("underfill")

func failureReason(err error) string {
	switch {
	case errors.Is(err, rules.ErrEmptyPool):
		return "empty_pool"
	case errors.Is(err, rules.ErrUnknownPolicy):
		return "unknown_policy"
	case errors.Is(err, errUnderfill):
		return "underfill"
	default:
		return "error"
	}
}
