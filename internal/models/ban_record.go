package models

import "time"

// BanRecord is an immutable ledger entry written for every ban.
type BanRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	Reason      string     `gorm:"type:text;not null" json:"reason"`
	BannedByID  uint       `gorm:"not null;index" json:"banned_by_id"`
	BannedAt    time.Time  `gorm:"not null;index" json:"banned_at"`
	BannedUntil *time.Time `json:"banned_until"`

	User     *User `gorm:"foreignKey:UserID" json:"-"`
	BannedBy *User `gorm:"foreignKey:BannedByID" json:"-"`
}

// TableName specifies the table name for GORM.
func (BanRecord) TableName() string {
	return "ban_records"
}

// Permanent reports whether the ban has no expiry.
func (b BanRecord) Permanent() bool {
	return b.BannedUntil == nil
}

// BanHistoryEntry is a ledger entry annotated with the issuing moderator.
type BanHistoryEntry struct {
	ID          uint         `json:"id"`
	Reason      string       `json:"reason"`
	BannedAt    time.Time    `json:"banned_at"`
	BannedUntil *time.Time   `json:"banned_until"`
	Permanent   bool         `json:"permanent"`
	BannedBy    *UserSummary `json:"banned_by"`
}

// HistoryEntry converts the record for API responses.
func (b BanRecord) HistoryEntry() BanHistoryEntry {
	return BanHistoryEntry{
		ID:          b.ID,
		Reason:      b.Reason,
		BannedAt:    b.BannedAt,
		BannedUntil: b.BannedUntil,
		Permanent:   b.Permanent(),
		BannedBy:    b.BannedBy.Summary(),
	}
}
