/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin     RoleName = "admin"
	RoleHost      RoleName = "host"
	RoleAssistant RoleName = "assistant"
	RoleDisplay   RoleName = "display"
)

// User represents an authenticated account.
type User struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Email        string `gorm:"uniqueIndex"`
	PasswordHash string
	Role         RoleName `gorm:"type:varchar(16)"`
	Suspended    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey is a long-lived credential for unattended display clients
// (jumbotron screens, assistant tablets).
type APIKey struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     string `gorm:"type:uuid;index"`
	Name       string
	KeyHash    string `gorm:"uniqueIndex"`
	KeyPrefix  string `gorm:"type:varchar(16)"`
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key has passed its expiry.
func (k *APIKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Playlist is a curated crate of records eligible for a game night.
type Playlist struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"index"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PlaylistTrack is one track in a playlist's pool. Immutable once imported;
// sessions reference it by id only.
type PlaylistTrack struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	PlaylistID string `gorm:"type:uuid;index"`
	SortOrder  int    `gorm:"index"`
	Title      string `gorm:"index"`
	Artist     string `gorm:"index"`
	Album      string
	Side       string `gorm:"type:varchar(8)"`
	Position   string `gorm:"type:varchar(16)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
