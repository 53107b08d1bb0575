package models

import (
	"time"

	"gorm.io/gorm"
)

// MediaType classifies an attachment by its MIME family.
type MediaType string

const (
	MediaNone  MediaType = ""
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaFile  MediaType = "file"
)

// Message is a chat message. A nil ReceiverID puts it on the public timeline.
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SenderID   uint      `gorm:"not null;index" json:"sender_id"`
	Sender     *User     `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReceiverID *uint     `gorm:"index" json:"receiver_id,omitempty"`
	Receiver   *User     `gorm:"foreignKey:ReceiverID" json:"receiver,omitempty"`
	Content    string    `gorm:"type:text" json:"content"`
	MediaURL   string    `json:"media_url,omitempty"`
	MediaType  MediaType `gorm:"type:varchar(16);default:''" json:"media_type,omitempty"`
	IsPrivate  bool      `gorm:"not null;default:false" json:"is_private"`
	// ReadBy is computed from message_reads for the response.
	ReadBy    []uint         `gorm:"-" json:"read_by"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// MessageRead records that a user has read a message.
type MessageRead struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TableName specifies the table name for GORM.
func (MessageRead) TableName() string {
	return "message_reads"
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

// NewPagination computes the page count for total rows.
func NewPagination(page, limit int, total int64) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// MessagePage is a page of messages with its pagination block.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}
