// Package bootstrap wires the shared runtime dependencies used by both the
// server and the admin CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"webchat/internal/cache"
	"webchat/internal/config"
	"webchat/internal/database"
	"webchat/internal/models"
	"webchat/internal/validation"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SkipSchema leaves the schema untouched. The admin migrate command sets
	// it so it can migrate explicitly even in production.
	SkipSchema bool
}

// InitRuntime connects to the database (with retries) and Redis, applies
// the schema outside production and bootstraps the development root admin.
// A Redis failure is not fatal; the returned client is nil in that case.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.ConnectWithRetry(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if !opts.SkipSchema {
		if err := database.ApplySchema(db, cfg); err != nil {
			_ = database.Close(db)
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	cache.InitRedis(cfg.RedisURL)
	rdb := cache.GetClient()

	if err := EnsureDevRootAdmin(ctx, cfg, db); err != nil {
		_ = database.Close(db)
		return nil, nil, fmt.Errorf("failed to bootstrap development root admin: %w", err)
	}

	return db, rdb, nil
}

// EnsureDevRootAdmin creates or promotes the configured root account when
// DEV_BOOTSTRAP_ROOT is set in development. It never runs elsewhere.
func EnsureDevRootAdmin(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") || !cfg.DevBootstrapRoot {
		return nil
	}

	username := strings.TrimSpace(cfg.DevRootUsername)
	if username == "" {
		username = "root"
	}
	email := strings.TrimSpace(strings.ToLower(cfg.DevRootEmail))
	if email == "" {
		email = "root@webchat.local"
	}
	password := cfg.DevRootPassword
	if password == "" {
		return errors.New("DEV_ROOT_PASSWORD must be set when DEV_BOOTSTRAP_ROOT is enabled")
	}
	if err := validation.ValidatePassword(password); err != nil {
		return fmt.Errorf("DEV_ROOT_PASSWORD: %w", err)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root models.User
		findErr := tx.Where("username = ?", username).First(&root).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash root password: %w", err)
			}
			root = models.User{
				Username: username,
				Email:    email,
				Password: string(hashed),
				Role:     models.RoleAdmin,
			}
			return tx.Create(&root).Error
		case findErr != nil:
			return findErr
		case root.Role == models.RoleAdmin:
			return nil
		default:
			return tx.Model(&models.User{}).Where("id = ?", root.ID).Update("role", models.RoleAdmin).Error
		}
	})
	if err != nil {
		return err
	}

	slog.Info("development root admin ensured", slog.String("username", username))
	return nil
}
