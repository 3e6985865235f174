/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/store"
)

// Director coordinates the channel managers. It owns manager
// lifecycles and the global emergency override; it never writes
// scheduling or catalog data.
type Director struct {
	cfg      *config.Config
	configDB store.ConfigReader
	playlog  store.PlaylogReader
	clock    *masterclock.Clock
	media    MediaResolver
	bus      *events.Bus
	logger   zerolog.Logger

	mu       sync.Mutex
	managers map[string]*ChannelManager // channel ID -> manager
	cancels  map[string]context.CancelFunc
	override string // filler URI while engaged, empty otherwise
}

// NewDirector creates the program director.
func NewDirector(cfg *config.Config, configDB store.ConfigReader, playlog store.PlaylogReader, clock *masterclock.Clock, media MediaResolver, bus *events.Bus, logger zerolog.Logger) *Director {
	return &Director{
		cfg:      cfg,
		configDB: configDB,
		playlog:  playlog,
		clock:    clock,
		media:    media,
		bus:      bus,
		logger:   logger.With().Str("component", "director").Logger(),
		managers: make(map[string]*ChannelManager),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run starts managers for every active channel and keeps the set in
// sync with configuration until the context is cancelled. Channels
// archived mid-run are stopped; newly activated ones are picked up.
func (d *Director) Run(ctx context.Context) error {
	if err := d.sync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	health := time.NewTicker(15 * time.Second)
	defer health.Stop()

	d.logger.Info().Msg("program director started")
	for {
		select {
		case <-ctx.Done():
			d.Shutdown()
			d.logger.Info().Msg("program director stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.sync(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("channel sync failed")
			}
		case <-health.C:
			d.emitHealthSnapshot()
		}
	}
}

// sync reconciles running managers with the active channel set.
func (d *Director) sync(ctx context.Context) error {
	channels, err := d.configDB.ActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	active := make(map[string]models.Channel, len(channels))
	for _, ch := range channels {
		active[ch.ID] = ch
	}

	d.mu.Lock()
	var toStop []string
	for id := range d.managers {
		if _, ok := active[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	d.mu.Unlock()

	for _, id := range toStop {
		d.StopChannel(id)
	}

	for _, ch := range channels {
		d.StartChannel(ctx, ch)
	}
	return nil
}

// StartChannel starts a manager for the channel if none is running.
func (d *Director) StartChannel(ctx context.Context, ch models.Channel) {
	d.mu.Lock()
	if _, ok := d.managers[ch.ID]; ok {
		d.mu.Unlock()
		return
	}

	manager := NewChannelManager(d.cfg, ch, d.configDB, d.playlog, d.clock, d.media, d.bus, d.logger)
	if d.override != "" {
		manager.EngageOverride(d.override)
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.managers[ch.ID] = manager
	d.cancels[ch.ID] = cancel
	d.mu.Unlock()

	d.logger.Info().Str("channel", ch.Slug).Msg("starting channel playout")
	go func() {
		err := manager.Run(runCtx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Str("channel", ch.Slug).Msg("channel playout terminated")
		}
		d.mu.Lock()
		delete(d.managers, ch.ID)
		delete(d.cancels, ch.ID)
		d.mu.Unlock()
	}()
}

// StopChannel stops the channel's manager if running.
func (d *Director) StopChannel(channelID string) {
	d.mu.Lock()
	cancel, ok := d.cancels[channelID]
	var slug string
	if m, found := d.managers[channelID]; found {
		slug = m.Channel().Slug
	}
	d.mu.Unlock()

	if ok {
		d.logger.Info().Str("channel", slug).Msg("stopping channel playout")
		cancel()
	}
}

// Manager returns the running manager for a channel ID.
func (d *Director) Manager(channelID string) (*ChannelManager, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.managers[channelID]
	return m, ok
}

// ManagerBySlug returns the running manager for a channel slug.
func (d *Director) ManagerBySlug(slug string) (*ChannelManager, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.managers {
		if m.Channel().Slug == slug {
			return m, true
		}
	}
	return nil, false
}

// Managers returns a snapshot of the running managers.
func (d *Director) Managers() []*ChannelManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ChannelManager, 0, len(d.managers))
	for _, m := range d.managers {
		out = append(out, m)
	}
	return out
}

// EngageOverride switches every channel to the filler source. The
// approval and schedule data are left untouched; clearing the override
// resumes the recorded playlog exactly where the clock says it should
// be.
func (d *Director) EngageOverride(fillerURI string) error {
	if fillerURI == "" {
		fillerURI = d.cfg.FillerAssetPath
	}
	if fillerURI == "" {
		return fmt.Errorf("no filler source configured")
	}

	d.mu.Lock()
	d.override = fillerURI
	managers := make([]*ChannelManager, 0, len(d.managers))
	for _, m := range d.managers {
		managers = append(managers, m)
	}
	d.mu.Unlock()

	for _, m := range managers {
		m.EngageOverride(fillerURI)
	}

	d.logger.Warn().Str("filler", fillerURI).Int("channels", len(managers)).Msg("emergency override engaged")
	if d.bus != nil {
		d.bus.Publish(events.EventOverrideEngaged, events.Payload{
			"filler":   fillerURI,
			"channels": len(managers),
			"at_utc":   d.clock.NowUTC(),
		})
	}
	return nil
}

// ClearOverride resumes scheduled playout on every channel.
func (d *Director) ClearOverride() {
	d.mu.Lock()
	d.override = ""
	managers := make([]*ChannelManager, 0, len(d.managers))
	for _, m := range d.managers {
		managers = append(managers, m)
	}
	d.mu.Unlock()

	for _, m := range managers {
		m.ClearOverride()
	}

	d.logger.Info().Int("channels", len(managers)).Msg("emergency override cleared")
	if d.bus != nil {
		d.bus.Publish(events.EventOverrideCleared, events.Payload{
			"channels": len(managers),
			"at_utc":   d.clock.NowUTC(),
		})
	}
}

// OverrideEngaged reports whether the emergency override is active.
func (d *Director) OverrideEngaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.override != ""
}

// Shutdown stops all managers.
func (d *Director) Shutdown() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, cancel := range d.cancels {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Director) emitHealthSnapshot() {
	if d.bus == nil {
		return
	}
	for _, m := range d.Managers() {
		m.publishHealth("snapshot", "")
	}
}
