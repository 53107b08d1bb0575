package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"webchat/internal/config"
	"webchat/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func sqliteConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:              "test",
		DBDriver:         "sqlite",
		DBSQLitePath:     filepath.Join(t.TempDir(), "test.db"),
		DBConnectRetries: 1,
	}
}

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, ApplySchema(db, cfg))
	for _, table := range []string{"users", "ban_records", "reports", "messages", "message_reads"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestConnect_UniqueViolationIsTranslated(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, Migrate(db))

	require.NoError(t, db.Create(&models.User{Username: "alice", Email: "a@x.io", Password: "h", Role: models.RoleUser}).Error)
	err = db.Create(&models.User{Username: "alice", Email: "b@x.io", Password: "h", Role: models.RoleUser}).Error
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestConnectWithRetry_ExhaustsAttempts(t *testing.T) {
	cfg := &config.Config{
		DBDriver:               "postgres",
		DBHost:                 "127.0.0.1",
		DBPort:                 "1",
		DBUser:                 "nobody",
		DBName:                 "none",
		DBConnectRetries:       2,
		DBRetryIntervalSeconds: 0,
	}

	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestConnectWithRetry_UnknownDriver(t *testing.T) {
	cfg := &config.Config{DBDriver: "mysql", DBConnectRetries: 1}
	_, err := ConnectWithRetry(context.Background(), cfg)
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
