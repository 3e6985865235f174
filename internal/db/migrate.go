/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"gorm.io/gorm"

	"github.com/retrovue/retrovue/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		// Operator-owned configuration
		&models.Channel{},
		&models.ScheduleTemplate{},
		&models.TemplateBlock{},
		&models.ScheduleDay{},
		&models.CatalogAsset{},

		// Scheduler-owned output
		&models.PlaylogEvent{},
		&models.BuildFailure{},
		&models.RotationState{},
		&models.DayBuild{},
	)
}
