package models

import "time"

// ReportStatus moves only from pending to resolved.
type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportResolved ReportStatus = "resolved"
)

// Report is a complaint filed by one user against another.
type Report struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	ReportedUserID uint         `gorm:"not null;index" json:"reported_user_id"`
	ReportedByID   uint         `gorm:"not null;index" json:"reported_by_id"`
	Reason         string       `gorm:"type:text;not null" json:"reason"`
	Status         ReportStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	Resolution     string       `gorm:"type:text;default:''" json:"resolution,omitempty"`
	ResolvedByID   *uint        `json:"resolved_by_id,omitempty"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt      time.Time    `gorm:"index" json:"created_at"`

	ReportedUser *User `gorm:"foreignKey:ReportedUserID" json:"-"`
	ReportedBy   *User `gorm:"foreignKey:ReportedByID" json:"-"`
	ResolvedBy   *User `gorm:"foreignKey:ResolvedByID" json:"-"`
}

// TableName specifies the table name for GORM.
func (Report) TableName() string {
	return "reports"
}

// ReportFilter narrows report listings. Zero value returns everything.
type ReportFilter struct {
	Status ReportStatus
	Limit  int
	Offset int
}

// ReportView is the API shape of a report with the parties resolved to summaries.
type ReportView struct {
	ID           uint         `json:"id"`
	Reason       string       `json:"reason"`
	Status       ReportStatus `json:"status"`
	Resolution   string       `json:"resolution,omitempty"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ReportedUser *UserSummary `json:"reported_user"`
	ReportedBy   *UserSummary `json:"reported_by"`
	ResolvedBy   *UserSummary `json:"resolved_by,omitempty"`
}

// View converts the report for API responses.
func (r Report) View() ReportView {
	return ReportView{
		ID:           r.ID,
		Reason:       r.Reason,
		Status:       r.Status,
		Resolution:   r.Resolution,
		ResolvedAt:   r.ResolvedAt,
		CreatedAt:    r.CreatedAt,
		ReportedUser: r.ReportedUser.Summary(),
		ReportedBy:   r.ReportedBy.Summary(),
		ResolvedBy:   r.ResolvedBy.Summary(),
	}
}
