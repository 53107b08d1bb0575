package repository

import (
	"context"

	"webchat/internal/models"

	"gorm.io/gorm"
)

// BanRepository is the append-only ban ledger.
type BanRepository interface {
	Create(ctx context.Context, record *models.BanRecord) error
	ListByUser(ctx context.Context, userID uint) ([]models.BanRecord, error)
}

type banRepository struct {
	db *gorm.DB
}

// NewBanRepository returns a new BanRepository implementation.
func NewBanRepository(db *gorm.DB) BanRepository {
	return &banRepository{db: db}
}

func (r *banRepository) Create(ctx context.Context, record *models.BanRecord) error {
	if err := r.db.WithContext(ctx).Omit("User", "BannedBy").Create(record).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// ListByUser returns the ledger for userID newest-first with the issuing
// moderator preloaded. Soft-deleted moderators are still shown.
func (r *banRepository) ListByUser(ctx context.Context, userID uint) ([]models.BanRecord, error) {
	records := make([]models.BanRecord, 0)
	err := r.db.WithContext(ctx).
		Preload("BannedBy", func(db *gorm.DB) *gorm.DB { return db.Unscoped() }).
		Where("user_id = ?", userID).
		Order("banned_at DESC, id DESC").
		Find(&records).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return records, nil
}
