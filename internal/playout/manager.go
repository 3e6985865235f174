/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout turns a channel's resolved playlog into a live feed.
// One encoder process per channel serves every viewer; the manager is a
// pure reader of configuration and playlog data.
package playout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/store"
	"github.com/retrovue/retrovue/internal/telemetry"
)

// State is the playout state of one channel.
type State string

const (
	StateStopped       State = "STOPPED"
	StateLoading       State = "LOADING"
	StateLive          State = "LIVE"
	StateTransitioning State = "TRANSITIONING"
)

// ErrRetryBudgetExhausted is returned when a channel fails to come up
// after the configured number of reload attempts.
var ErrRetryBudgetExhausted = errors.New("playout retry budget exhausted")

// planWindow bounds how much playlog one encoder invocation consumes.
const planWindow = 12 * time.Hour

// idleWait is how long the manager sleeps when the playlog has no
// current event, e.g. before the first horizon build lands.
const idleWait = 5 * time.Second

// ChannelManager executes one channel's playlog as a continuous feed.
type ChannelManager struct {
	cfg      *config.Config
	channel  models.Channel
	configDB store.ConfigReader
	playlog  store.PlaylogReader
	clock    *masterclock.Clock
	media    MediaResolver
	bus      *events.Bus
	logger   zerolog.Logger

	feed     *Feed
	pipeline *Pipeline

	mu       sync.Mutex
	state    State
	current  *models.PlaylogEvent
	override string // filler URI while the emergency override is engaged
	retries  int
}

// MediaResolver maps a catalog file key to a URI the encoder can read.
type MediaResolver interface {
	PlaybackURI(fileKey string) string
}

// NewChannelManager constructs a manager for one channel.
func NewChannelManager(cfg *config.Config, ch models.Channel, configDB store.ConfigReader, playlog store.PlaylogReader, clock *masterclock.Clock, media MediaResolver, bus *events.Bus, logger zerolog.Logger) *ChannelManager {
	log := logger.With().Str("channel", ch.Slug).Logger()
	return &ChannelManager{
		cfg:      cfg,
		channel:  ch,
		configDB: configDB,
		playlog:  playlog,
		clock:    clock,
		media:    media,
		bus:      bus,
		logger:   log,
		feed:     NewFeed(ch.ID, ch.Slug, log, bus),
		pipeline: NewPipeline(cfg, ch.Slug, log),
		state:    StateStopped,
	}
}

// Feed returns the fan-out feed viewers attach to.
func (m *ChannelManager) Feed() *Feed {
	return m.feed
}

// Channel returns the channel this manager plays out.
func (m *ChannelManager) Channel() models.Channel {
	return m.channel
}

// State returns the current playout state.
func (m *ChannelManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentEvent returns the event now airing, if any.
func (m *ChannelManager) CurrentEvent() (models.PlaylogEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return models.PlaylogEvent{}, false
	}
	return *m.current, true
}

// JoinOffset is the position a joining viewer should see: how far the
// current event has already aired. Clock skew never produces a
// negative offset.
func (m *ChannelManager) JoinOffset() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return time.Duration(m.clock.SecondsSince(m.current.StartUTC) * float64(time.Second))
}

// EngageOverride switches playout to the filler source. Schedule and
// catalog data are untouched; this is playout-layer only.
func (m *ChannelManager) EngageOverride(fillerURI string) {
	m.mu.Lock()
	m.override = fillerURI
	m.mu.Unlock()
	m.pipeline.Stop()
}

// ClearOverride resumes scheduled playout.
func (m *ChannelManager) ClearOverride() {
	m.mu.Lock()
	m.override = ""
	m.mu.Unlock()
	m.pipeline.Stop()
}

func (m *ChannelManager) overrideURI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.override
}

// Run executes the playout loop until the context is cancelled. Errors
// return the manager to STOPPED and trigger a bounded-retry reload; the
// budget resets whenever the channel reaches LIVE.
func (m *ChannelManager) Run(ctx context.Context) error {
	defer func() {
		m.pipeline.Stop()
		m.setState(StateStopped)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.playOnce(ctx)
		if err == nil {
			m.mu.Lock()
			m.retries = 0
			m.mu.Unlock()
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		m.setState(StateStopped)
		m.mu.Lock()
		m.retries++
		attempt := m.retries
		m.mu.Unlock()

		telemetry.PlayoutRetriesTotal.WithLabelValues(m.channel.ID).Inc()
		m.publishHealth("error", err.Error())

		if attempt >= m.cfg.PlayoutRetryBudget {
			m.logger.Error().Err(err).Int("attempts", attempt).Msg("playout failed, retry budget exhausted")
			return fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, err)
		}

		backoff := time.Duration(attempt) * 2 * time.Second
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("playout error, reloading")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// playOnce runs one encoder invocation: load the upcoming playlog,
// start the encoder at the clock-derived offset, then track event
// boundaries until the plan is exhausted or the encoder dies.
func (m *ChannelManager) playOnce(ctx context.Context) error {
	m.setState(StateLoading)

	if uri := m.overrideURI(); uri != "" {
		return m.playOverride(ctx, uri)
	}

	now := m.clock.NowUTC()
	evts, err := m.playlog.EventsInWindow(ctx, m.channel.ID, now, now.Add(planWindow))
	if err != nil {
		return fmt.Errorf("load playlog: %w", err)
	}
	if len(evts) == 0 {
		m.publishHealth("idle", "no playlog events in window")
		return m.wait(ctx, idleWait)
	}

	// The first event may start in the future after a fresh build.
	if evts[0].StartUTC.After(now) {
		until := evts[0].StartUTC.Sub(now)
		if until > idleWait {
			until = idleWait
		}
		return m.wait(ctx, until)
	}

	plan, err := m.buildPlan(ctx, evts)
	if err != nil {
		return err
	}
	offset := time.Duration(m.clock.SecondsSince(evts[0].StartUTC) * float64(time.Second))
	plan.StartOffset = offset

	if err := m.pipeline.Start(ctx, plan, func(r io.Reader) { m.feed.FeedFrom(r) }); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	m.setCurrent(&evts[0])
	m.setState(StateLive)
	m.publishNowAiring(evts[0], offset)

	return m.trackBoundaries(ctx, evts)
}

// trackBoundaries follows the running encoder through event boundaries,
// flagging the TRANSITIONING sub-state at each one. It returns when the
// plan is exhausted (nil, so the loop replans) or the encoder exits
// early (error, so the loop retries).
func (m *ChannelManager) trackBoundaries(ctx context.Context, evts []models.PlaylogEvent) error {
	for i := range evts {
		// An override engaged between the playOnce check and encoder
		// start misses the pipeline stop; catch it here and at every
		// boundary after.
		if m.overrideURI() != "" {
			m.pipeline.Stop()
			return nil
		}

		current := evts[i]
		untilEnd := current.EndUTC.Sub(m.clock.NowUTC())
		if untilEnd < 0 {
			untilEnd = 0
		}

		timer := time.NewTimer(untilEnd)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.pipeline.Stop()
			return ctx.Err()
		case <-m.pipeline.Done():
			timer.Stop()
			if m.overrideURI() != "" {
				// Stop came from an override switch, not a failure.
				return nil
			}
			err := m.pipeline.Wait(ctx)
			return fmt.Errorf("encoder exited mid-event: %w", err)
		case <-timer.C:
		}

		if i+1 < len(evts) {
			next := evts[i+1]
			m.setState(StateTransitioning)
			m.setCurrent(&next)
			m.publishTransition(current, next)
			m.setState(StateLive)
			m.publishNowAiring(next, 0)
		}
	}

	// Plan exhausted: stop cleanly and replan from the fresh playlog.
	m.pipeline.Stop()
	m.setCurrent(nil)
	return nil
}

// playOverride loops the filler source until the override is cleared.
func (m *ChannelManager) playOverride(ctx context.Context, uri string) error {
	plan := Plan{Sources: []Source{{URI: uri, Discontinuity: true}}}
	if err := m.pipeline.Start(ctx, plan, func(r io.Reader) { m.feed.FeedFrom(r) }); err != nil {
		return fmt.Errorf("start filler: %w", err)
	}
	m.setState(StateLive)
	m.publishHealth("override", "emergency override engaged")

	select {
	case <-ctx.Done():
		m.pipeline.Stop()
		return ctx.Err()
	case <-m.pipeline.Done():
		// Either the override was cleared or the filler ended; the run
		// loop decides what plays next.
		return nil
	}
}

// buildPlan resolves playlog events to encoder sources. Gap events and
// events whose asset cannot be resolved play the configured filler.
func (m *ChannelManager) buildPlan(ctx context.Context, evts []models.PlaylogEvent) (Plan, error) {
	plan := Plan{Sources: make([]Source, 0, len(evts))}
	for i, evt := range evts {
		uri, err := m.sourceURI(ctx, evt)
		if err != nil {
			return Plan{}, err
		}
		plan.Sources = append(plan.Sources, Source{
			URI:           uri,
			Discontinuity: i > 0,
		})
	}
	return plan, nil
}

func (m *ChannelManager) sourceURI(ctx context.Context, evt models.PlaylogEvent) (string, error) {
	if evt.Gap || evt.AssetID == "" {
		if m.cfg.FillerAssetPath == "" {
			return "", fmt.Errorf("gap event %s with no filler configured", evt.ID)
		}
		return m.cfg.FillerAssetPath, nil
	}
	asset, err := m.configDB.AssetByID(ctx, evt.AssetID)
	if err != nil {
		return "", fmt.Errorf("resolve asset %s: %w", evt.AssetID, err)
	}
	return m.media.PlaybackURI(asset.FileKey), nil
}

func (m *ChannelManager) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (m *ChannelManager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	telemetry.PlayoutStateTransitions.WithLabelValues(m.channel.ID, string(s)).Inc()
	m.logger.Debug().Str("state", string(s)).Msg("playout state changed")
}

func (m *ChannelManager) setCurrent(evt *models.PlaylogEvent) {
	m.mu.Lock()
	m.current = evt
	m.mu.Unlock()
}

func (m *ChannelManager) publishNowAiring(evt models.PlaylogEvent, offset time.Duration) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventNowAiring, events.Payload{
		"channel_id":     m.channel.ID,
		"slug":           m.channel.Slug,
		"event_id":       evt.ID,
		"asset_id":       evt.AssetID,
		"start_utc":      evt.StartUTC,
		"end_utc":        evt.EndUTC,
		"broadcast_day":  evt.BroadcastDay,
		"gap":            evt.Gap,
		"offset_seconds": offset.Seconds(),
	})
}

func (m *ChannelManager) publishTransition(from, to models.PlaylogEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventTransition, events.Payload{
		"channel_id":    m.channel.ID,
		"slug":          m.channel.Slug,
		"from_event_id": from.ID,
		"to_event_id":   to.ID,
		"at_utc":        m.clock.NowUTC(),
	})
}

func (m *ChannelManager) publishHealth(status, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventPlayoutHealth, events.Payload{
		"channel_id": m.channel.ID,
		"slug":       m.channel.Slug,
		"state":      string(m.State()),
		"status":     status,
		"detail":     detail,
		"viewers":    m.feed.ViewerCount(),
	})
}
