// Package repository implements the data access layer for the application.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"webchat/internal/cache"
	"webchat/internal/database"
	"webchat/internal/models"

	"gorm.io/gorm"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int64, error)
	UpdateRole(ctx context.Context, id uint, role models.Role) error
	ApplyBan(ctx context.Context, id uint, banID uint, reason string, until *time.Time) error
	ClearBan(ctx context.Context, id uint) error
	ClearExpiredBans(ctx context.Context, now time.Time) ([]uint, error)
	SetPresence(ctx context.Context, id uint, online bool, at time.Time) error
	TouchLastSeen(ctx context.Context, id uint, at time.Time) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a new UserRepository implementation. Passing a
// transaction handle scopes every call to that transaction.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	key := cache.UserKey(id)

	err := cache.Aside(ctx, key, &user, cache.UserTTL, func() error {
		if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("User", id)
			}
			return models.NewInternalError(err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	email = strings.ToLower(strings.TrimSpace(email))
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return models.NewConflictError("User already exists")
		}
		return models.NewInternalError(err)
	}
	return nil
}

// List returns one window of users matching filter plus the total match
// count, so callers can tell when a window is partial.
func (r *userRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int64, error) {
	matching := func(db *gorm.DB) *gorm.DB {
		if len(filter.Roles) > 0 {
			db = db.Where("role IN ?", filter.Roles)
		}
		if filter.Banned != nil {
			db = db.Where("is_banned = ?", *filter.Banned)
		}
		if s := strings.TrimSpace(filter.Search); s != "" {
			like := "%" + strings.ToLower(s) + "%"
			db = db.Where("LOWER(username) LIKE ? OR email LIKE ?", like, like)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Scopes(matching).Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}

	q := r.db.WithContext(ctx).Model(&models.User{}).Scopes(matching)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	users := make([]models.User, 0)
	if err := q.Order("id ASC").Find(&users).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return users, total, nil
}

func (r *userRepository) updateColumns(ctx context.Context, id uint, values map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("User", id)
	}
	cache.InvalidateUser(ctx, id)
	return nil
}

func (r *userRepository) UpdateRole(ctx context.Context, id uint, role models.Role) error {
	if !role.Valid() {
		return models.NewValidationError("Invalid role")
	}
	return r.updateColumns(ctx, id, map[string]interface{}{"role": role})
}

func (r *userRepository) ApplyBan(ctx context.Context, id uint, banID uint, reason string, until *time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"is_banned":     true,
		"ban_reason":    reason,
		"banned_until":  until,
		"active_ban_id": banID,
	})
}

func (r *userRepository) ClearBan(ctx context.Context, id uint) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"is_banned":     false,
		"ban_reason":    "",
		"banned_until":  nil,
		"active_ban_id": nil,
	})
}

func (r *userRepository) ClearExpiredBans(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("is_banned = ? AND banned_until IS NOT NULL AND banned_until <= ?", true, now).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	// The predicate is repeated so a ban re-issued since the select survives.
	err = r.db.WithContext(ctx).Model(&models.User{}).
		Where("id IN ? AND is_banned = ? AND banned_until IS NOT NULL AND banned_until <= ?", ids, true, now).
		Updates(map[string]interface{}{
			"is_banned":     false,
			"ban_reason":    "",
			"banned_until":  nil,
			"active_ban_id": nil,
		}).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, id := range ids {
		cache.InvalidateUser(ctx, id)
	}
	return ids, nil
}

func (r *userRepository) SetPresence(ctx context.Context, id uint, online bool, at time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"is_online": online,
		"last_seen": at,
	})
}

func (r *userRepository) TouchLastSeen(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).
		UpdateColumn("last_seen", at).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
