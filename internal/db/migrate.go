/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/recordroom/needledrop/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		// Accounts
		&models.User{},
		&models.APIKey{},

		// Track pool
		&models.Playlist{},
		&models.PlaylistTrack{},

		// Game state
		&models.Session{},
		&models.SessionCall{},
		&models.BingoCard{},
		&models.SessionEvent{},
	)
}
