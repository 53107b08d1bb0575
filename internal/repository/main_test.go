package repository

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"webchat/internal/database"
	"webchat/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB returns a migrated SQLite database private to t.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo.db")
	db, err := database.Open(sqlite.Open(path + "?_foreign_keys=on"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

var userSeq int

func createUser(t *testing.T, db *gorm.DB, role models.Role) *models.User {
	t.Helper()
	userSeq++
	u := &models.User{
		Username: fmt.Sprintf("user%d", userSeq),
		Email:    fmt.Sprintf("user%d@example.com", userSeq),
		Password: "hash",
		Role:     role,
		LastSeen: time.Now(),
	}
	require.NoError(t, db.Create(u).Error)
	return u
}
