/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/rules"
)

// Admin capability. Configuration errors are rejected here, at write
// time, so the horizon builder can assume a valid model.

func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(ch).Error
}

// ArchiveChannel deactivates a channel. Channels with dependents are
// never hard-deleted.
func (s *Store) ArchiveChannel(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// SaveTemplate validates and stores an unpublished template draft. A
// published template is immutable; material changes go through a new
// version.
func (s *Store) SaveTemplate(ctx context.Context, tmpl *models.ScheduleTemplate) error {
	ch, err := s.ChannelByID(ctx, tmpl.ChannelID)
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	if err := tmpl.ValidateForChannel(ch, rules.Known); err != nil {
		return err
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	for i := range tmpl.Blocks {
		if tmpl.Blocks[i].ID == "" {
			tmpl.Blocks[i].ID = uuid.NewString()
		}
		tmpl.Blocks[i].TemplateID = tmpl.ID
	}

	var existing models.ScheduleTemplate
	err = s.db.WithContext(ctx).First(&existing, "id = ?", tmpl.ID).Error
	if err == nil && existing.Published() {
		return models.ErrTemplatePublished
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	if tmpl.Version == 0 {
		tmpl.Version = existing.Version + 1
		if tmpl.Version == 0 {
			tmpl.Version = 1
		}
	}
	return s.db.WithContext(ctx).Save(tmpl).Error
}

// PublishTemplate freezes a template version. Policy names were already
// validated on save; publish re-checks in case the registry shrank.
func (s *Store) PublishTemplate(ctx context.Context, id string, at time.Time) error {
	var tmpl models.ScheduleTemplate
	err := s.db.WithContext(ctx).Preload("Blocks").First(&tmpl, "id = ?", id).Error
	if err != nil {
		return err
	}
	if tmpl.Published() {
		return models.ErrTemplatePublished
	}
	for _, block := range tmpl.Blocks {
		spec, err := rules.ParseSpec(block.Rule)
		if err != nil {
			return fmt.Errorf("block %q: %w", block.Daypart, err)
		}
		if !rules.Known(spec.Policy) {
			return fmt.Errorf("block %q: %w: %q", block.Daypart, rules.ErrUnknownPolicy, spec.Policy)
		}
	}
	return s.db.WithContext(ctx).
		Model(&models.ScheduleTemplate{}).
		Where("id = ?", id).
		Update("published_at", at).Error
}

// AssignScheduleDay records which template covers a broadcast date.
func (s *Store) AssignScheduleDay(ctx context.Context, day *models.ScheduleDay) error {
	var tmpl models.ScheduleTemplate
	if err := s.db.WithContext(ctx).First(&tmpl, "id = ?", day.TemplateID).Error; err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if !tmpl.Published() {
		return fmt.Errorf("template %s is unpublished", day.TemplateID)
	}
	if tmpl.ChannelID != day.ChannelID {
		return fmt.Errorf("template %s belongs to another channel", day.TemplateID)
	}
	if day.ID == "" {
		day.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(day).Error
}

// CreateAsset stores a catalog asset. New assets are never canonical;
// promotion is a separate explicit action.
func (s *Store) CreateAsset(ctx context.Context, asset *models.CatalogAsset) error {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.Canonical = false
	return s.db.WithContext(ctx).Create(asset).Error
}

// PromoteAsset flips an asset canonical. This is the only code path
// that sets the flag; the scheduler and playout never touch it.
func (s *Store) PromoteAsset(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.CatalogAsset{}).
		Where("id = ?", id).
		Update("canonical", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
