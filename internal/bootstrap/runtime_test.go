package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"webchat/internal/config"
	"webchat/internal/database"
	"webchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open(filepath.Join(t.TempDir(), "bootstrap.db")))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func rootConfig() *config.Config {
	return &config.Config{
		Env:              "development",
		DevBootstrapRoot: true,
		DevRootUsername:  "root",
		DevRootEmail:     "Root@Example.com",
		DevRootPassword:  "RootPass1!",
	}
}

func TestEnsureDevRootAdmin_Creates(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, EnsureDevRootAdmin(context.Background(), rootConfig(), db))

	var root models.User
	require.NoError(t, db.Where("username = ?", "root").First(&root).Error)
	assert.Equal(t, models.RoleAdmin, root.Role)
	assert.Equal(t, "root@example.com", root.Email)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(root.Password), []byte("RootPass1!")))

	// Idempotent.
	require.NoError(t, EnsureDevRootAdmin(context.Background(), rootConfig(), db))
	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnsureDevRootAdmin_PromotesExisting(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.User{Username: "root", Email: "r@example.com", Password: "x"}).Error)

	require.NoError(t, EnsureDevRootAdmin(context.Background(), rootConfig(), db))

	var root models.User
	require.NoError(t, db.Where("username = ?", "root").First(&root).Error)
	assert.Equal(t, models.RoleAdmin, root.Role)
	assert.Equal(t, "x", root.Password)
}

func TestEnsureDevRootAdmin_Guards(t *testing.T) {
	db := newTestDB(t)

	prod := rootConfig()
	prod.Env = "production"
	require.NoError(t, EnsureDevRootAdmin(context.Background(), prod, db))

	off := rootConfig()
	off.DevBootstrapRoot = false
	require.NoError(t, EnsureDevRootAdmin(context.Background(), off, db))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.Zero(t, count)

	noPassword := rootConfig()
	noPassword.DevRootPassword = ""
	assert.Error(t, EnsureDevRootAdmin(context.Background(), noPassword, db))

	weak := rootConfig()
	weak.DevRootPassword = "short"
	assert.Error(t, EnsureDevRootAdmin(context.Background(), weak, db))
}
