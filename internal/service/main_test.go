package service

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"webchat/internal/database"
	"webchat/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.db")
	db, err := database.Open(sqlite.Open(path + "?_foreign_keys=on"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

var userSeq atomic.Int64

func createUser(t *testing.T, db *gorm.DB, role models.Role) *models.User {
	t.Helper()
	n := userSeq.Add(1)
	u := &models.User{
		Username: fmt.Sprintf("member%d", n),
		Email:    fmt.Sprintf("member%d@example.com", n),
		Password: "hash",
		Role:     role,
		LastSeen: time.Now().UTC(),
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func reload(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()
	var u models.User
	require.NoError(t, db.First(&u, id).Error)
	return &u
}
