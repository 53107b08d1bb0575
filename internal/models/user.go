// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a chat account. Role and ban fields are owned by the moderation service.
type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;size:20;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`
	Avatar   string `json:"avatar"`
	Role     Role   `gorm:"type:varchar(16);not null;default:user;index" json:"role"`

	IsBanned    bool       `gorm:"not null;default:false;index" json:"is_banned"`
	BanReason   string     `gorm:"type:text;default:''" json:"ban_reason,omitempty"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
	// ActiveBanID points at the ledger entry behind the current ban.
	ActiveBanID *uint `gorm:"index" json:"active_ban_id,omitempty"`

	IsOnline bool      `gorm:"not null;default:false" json:"is_online"`
	LastSeen time.Time `json:"last_seen"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsCurrentlyBanned reports whether the ban is in force at now. An elapsed
// BannedUntil counts as unbanned even before the sweep clears the flag.
func (u *User) IsCurrentlyBanned(now time.Time) bool {
	if u == nil || !u.IsBanned {
		return false
	}
	return u.BannedUntil == nil || u.BannedUntil.After(now)
}

// ClearBan resets every ban field on the struct.
func (u *User) ClearBan() {
	u.IsBanned = false
	u.BanReason = ""
	u.BannedUntil = nil
	u.ActiveBanID = nil
}

// UserSummary is the public identity attached to ledger entries and reports.
type UserSummary struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Summary returns the public identity of u, or nil for a missing user.
func (u *User) Summary() *UserSummary {
	if u == nil {
		return nil
	}
	return &UserSummary{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

// UserFilter narrows user listings. Zero value lists everyone.
type UserFilter struct {
	Roles  []Role
	Banned *bool
	Search string
	Limit  int
	Offset int
}
