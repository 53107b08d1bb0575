package repository

import (
	"context"
	"errors"
	"time"

	"webchat/internal/models"

	"gorm.io/gorm"
)

// ReportRepository stores user reports.
type ReportRepository interface {
	Create(ctx context.Context, report *models.Report) error
	GetByID(ctx context.Context, id uint) (*models.Report, error)
	List(ctx context.Context, filter models.ReportFilter) ([]models.Report, error)
	Resolve(ctx context.Context, id, resolverID uint, resolution string, at time.Time) (bool, error)
}

type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository returns a new ReportRepository implementation.
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

func (r *reportRepository) Create(ctx context.Context, report *models.Report) error {
	if report.Status == "" {
		report.Status = models.ReportPending
	}
	err := r.db.WithContext(ctx).Omit("ReportedUser", "ReportedBy", "ResolvedBy").Create(report).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *reportRepository) preloaded(ctx context.Context) *gorm.DB {
	unscoped := func(db *gorm.DB) *gorm.DB { return db.Unscoped() }
	return r.db.WithContext(ctx).
		Preload("ReportedUser", unscoped).
		Preload("ReportedBy", unscoped).
		Preload("ResolvedBy", unscoped)
}

func (r *reportRepository) GetByID(ctx context.Context, id uint) (*models.Report, error) {
	var report models.Report
	if err := r.preloaded(ctx).First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Report", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &report, nil
}

func (r *reportRepository) List(ctx context.Context, filter models.ReportFilter) ([]models.Report, error) {
	q := r.preloaded(ctx)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	reports := make([]models.Report, 0)
	if err := q.Order("created_at DESC, id DESC").Find(&reports).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return reports, nil
}

// Resolve moves a pending report to resolved in a single conditional update.
// It reports false when no pending report with id exists.
func (r *reportRepository) Resolve(ctx context.Context, id, resolverID uint, resolution string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Report{}).
		Where("id = ? AND status = ?", id, models.ReportPending).
		Updates(map[string]interface{}{
			"status":         models.ReportResolved,
			"resolution":     resolution,
			"resolved_by_id": resolverID,
			"resolved_at":    at,
		})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected == 1, nil
}
