package database

import (
	"fmt"
	"log/slog"

	"webchat/internal/config"
	"webchat/internal/middleware"

	"gorm.io/gorm"
)

// Migrate runs GORM AutoMigrate for every persistent model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(PersistentModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// ApplySchema migrates automatically outside production. Production schemas
// are applied explicitly with the admin CLI migrate command.
func ApplySchema(db *gorm.DB, cfg *config.Config) error {
	if cfg.IsProduction() {
		middleware.Logger.Info("Skipping AutoMigrate in production; run `admin migrate` to apply schema")
		return nil
	}
	middleware.Logger.Info("Running GORM AutoMigrate", slog.String("env", cfg.Env))
	return Migrate(db)
}
