/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store separates operator-writable configuration from
// scheduler-writable playlog at the interface level. Runtime components
// receive only the capability they need: the horizon builder gets a
// ConfigReader and a PlaylogWriter, playout gets a ConfigReader and a
// PlaylogReader, and only the operator API sees Admin.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/retrovue/retrovue/internal/models"
)

// ConfigReader is the read-only view of operator-owned configuration
// and the canonical catalog.
type ConfigReader interface {
	ActiveChannels(ctx context.Context) ([]models.Channel, error)
	ChannelByID(ctx context.Context, id string) (models.Channel, error)
	ChannelBySlug(ctx context.Context, slug string) (models.Channel, error)
	Assignments(ctx context.Context, channelID string, dates []string) ([]models.ScheduleDay, error)
	TemplatesByID(ctx context.Context, ids []string) (map[string]models.ScheduleTemplate, error)
	// CanonicalSnapshot returns a point-in-time copy of all canonical
	// assets. Non-canonical rows are never visible through this call.
	CanonicalSnapshot(ctx context.Context) ([]models.CatalogAsset, error)
	AssetByID(ctx context.Context, id string) (models.CatalogAsset, error)
}

// PlaylogReader exposes resolved air events to the playout layer.
type PlaylogReader interface {
	// EventsInWindow returns live (non-superseded) events for a channel
	// ordered by start time.
	EventsInWindow(ctx context.Context, channelID string, from, until time.Time) ([]models.PlaylogEvent, error)
	Failures(ctx context.Context, channelID string, broadcastDay string) ([]models.BuildFailure, error)
}

// PlaylogWriter is the horizon builder's write capability. Nothing else
// writes playlog rows.
type PlaylogWriter interface {
	// ReplaceDay atomically supersedes a channel's events for one
	// broadcast day and installs the new build output. Partial builds
	// are never committed. buildTime stamps the superseded rows and
	// comes from the master clock. Events already aired by buildTime
	// are history: they stay live and the rebuild never replaces them.
	ReplaceDay(ctx context.Context, channelID, broadcastDay string, buildTime time.Time, fingerprint string, events []models.PlaylogEvent, failures []models.BuildFailure, states []models.RotationState) error
	RotationState(ctx context.Context, channelID, ruleKey string) (models.JSONMap, error)
	// DayFingerprint returns the input fingerprint of the day's last
	// committed build, or "" if the day was never built.
	DayFingerprint(ctx context.Context, channelID, broadcastDay string) (string, error)
}

// Admin is the operator surface's write capability.
type Admin interface {
	CreateChannel(ctx context.Context, ch *models.Channel) error
	ArchiveChannel(ctx context.Context, id string) error
	SaveTemplate(ctx context.Context, tmpl *models.ScheduleTemplate) error
	PublishTemplate(ctx context.Context, id string, at time.Time) error
	AssignScheduleDay(ctx context.Context, day *models.ScheduleDay) error
	PromoteAsset(ctx context.Context, id string) error
	CreateAsset(ctx context.Context, asset *models.CatalogAsset) error
}

// Store is the gorm-backed implementation of all capabilities.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveChannels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("slug ASC").
		Find(&channels).Error
	return channels, err
}

func (s *Store) ChannelByID(ctx context.Context, id string) (models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error
	return ch, err
}

func (s *Store) ChannelBySlug(ctx context.Context, slug string) (models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).First(&ch, "slug = ?", slug).Error
	return ch, err
}

func (s *Store) Assignments(ctx context.Context, channelID string, dates []string) ([]models.ScheduleDay, error) {
	var days []models.ScheduleDay
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("schedule_date IN ?", dates).
		Order("created_at ASC").
		Find(&days).Error
	return days, err
}

func (s *Store) TemplatesByID(ctx context.Context, ids []string) (map[string]models.ScheduleTemplate, error) {
	if len(ids) == 0 {
		return map[string]models.ScheduleTemplate{}, nil
	}
	var templates []models.ScheduleTemplate
	err := s.db.WithContext(ctx).
		Preload("Blocks", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id IN ?", ids).
		Find(&templates).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.ScheduleTemplate, len(templates))
	for _, tmpl := range templates {
		out[tmpl.ID] = tmpl
	}
	return out, nil
}

func (s *Store) CanonicalSnapshot(ctx context.Context) ([]models.CatalogAsset, error) {
	var assets []models.CatalogAsset
	err := s.db.WithContext(ctx).
		Where("canonical = ?", true).
		Order("created_at ASC, id ASC").
		Find(&assets).Error
	return assets, err
}

func (s *Store) AssetByID(ctx context.Context, id string) (models.CatalogAsset, error) {
	var asset models.CatalogAsset
	err := s.db.WithContext(ctx).First(&asset, "id = ?", id).Error
	return asset, err
}

func (s *Store) EventsInWindow(ctx context.Context, channelID string, from, until time.Time) ([]models.PlaylogEvent, error) {
	var events []models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("superseded_at IS NULL").
		Where("end_utc > ?", from).
		Where("start_utc < ?", until).
		Order("start_utc ASC").
		Find(&events).Error
	return events, err
}

func (s *Store) Failures(ctx context.Context, channelID, broadcastDay string) ([]models.BuildFailure, error) {
	query := s.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if broadcastDay != "" {
		query = query.Where("broadcast_day = ?", broadcastDay)
	}
	var failures []models.BuildFailure
	err := query.Order("created_at ASC").Find(&failures).Error
	return failures, err
}

// ReplaceDay runs in one transaction: prior events for the day are
// superseded (never edited or deleted), new events and failures are
// inserted, and rotation states are upserted. A cancelled build rolls
// back entirely. Rows whose EndUTC is already past stay live: delivered
// history is never rewritten, and a rebuild's output for those windows
// is discarded.
func (s *Store) ReplaceDay(ctx context.Context, channelID, broadcastDay string, buildTime time.Time, fingerprint string, events []models.PlaylogEvent, failures []models.BuildFailure, states []models.RotationState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := buildTime.UTC()

		var prior int64
		err := tx.Model(&models.PlaylogEvent{}).
			Where("channel_id = ? AND broadcast_day = ? AND superseded_at IS NULL", channelID, broadcastDay).
			Count(&prior).Error
		if err != nil {
			return err
		}

		err = tx.Model(&models.PlaylogEvent{}).
			Where("channel_id = ? AND broadcast_day = ? AND superseded_at IS NULL", channelID, broadcastDay).
			Where("end_utc > ?", now).
			Update("superseded_at", now).Error
		if err != nil {
			return err
		}

		if prior > 0 {
			// Rebuild: already-aired windows keep their original rows.
			kept := make([]models.PlaylogEvent, 0, len(events))
			for _, evt := range events {
				if evt.EndUTC.After(now) {
					kept = append(kept, evt)
				}
			}
			events = kept
		}
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return err
			}
		}
		if len(failures) > 0 {
			if err := tx.Create(&failures).Error; err != nil {
				return err
			}
		}

		for i := range states {
			state := states[i]
			var existing models.RotationState
			err := tx.Where("channel_id = ? AND rule_key = ?", state.ChannelID, state.RuleKey).First(&existing).Error
			switch {
			case err == gorm.ErrRecordNotFound:
				if state.ID == "" {
					state.ID = uuid.NewString()
				}
				state.UpdatedAt = now
				if err := tx.Create(&state).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				existing.State = state.State
				existing.UpdatedAt = now
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
			}
		}

		var build models.DayBuild
		err = tx.Where("channel_id = ? AND broadcast_day = ?", channelID, broadcastDay).First(&build).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			build = models.DayBuild{
				ID:           uuid.NewString(),
				ChannelID:    channelID,
				BroadcastDay: broadcastDay,
				Fingerprint:  fingerprint,
				UpdatedAt:    now,
			}
			return tx.Create(&build).Error
		case err != nil:
			return err
		default:
			build.Fingerprint = fingerprint
			build.UpdatedAt = now
			return tx.Save(&build).Error
		}
	})
}

func (s *Store) DayFingerprint(ctx context.Context, channelID, broadcastDay string) (string, error) {
	var build models.DayBuild
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND broadcast_day = ?", channelID, broadcastDay).
		First(&build).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return build.Fingerprint, nil
}

func (s *Store) RotationState(ctx context.Context, channelID, ruleKey string) (models.JSONMap, error) {
	var state models.RotationState
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND rule_key = ?", channelID, ruleKey).
		First(&state).Error
	if err == gorm.ErrRecordNotFound {
		return models.JSONMap{}, nil
	}
	if err != nil {
		return nil, err
	}
	return state.State, nil
}
