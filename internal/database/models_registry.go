package database

import "webchat/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.BanRecord{},
		&models.Report{},
		&models.Message{},
		&models.MessageRead{},
	}
}
