package repository

import (
	"context"
	"testing"
	"time"

	"webchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanRepository_ListByUserNewestFirst(t *testing.T) {
	db := newTestDB(t)
	repo := NewBanRepository(db)
	ctx := context.Background()

	mod := createUser(t, db, models.RoleModerator)
	target := createUser(t, db, models.RoleUser)
	other := createUser(t, db, models.RoleUser)

	base := time.Now().UTC().Add(-time.Hour)
	until := base.Add(24 * time.Hour)
	require.NoError(t, repo.Create(ctx, &models.BanRecord{UserID: target.ID, Reason: "first", BannedByID: mod.ID, BannedAt: base, BannedUntil: &until}))
	require.NoError(t, repo.Create(ctx, &models.BanRecord{UserID: target.ID, Reason: "second", BannedByID: mod.ID, BannedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.Create(ctx, &models.BanRecord{UserID: other.ID, Reason: "unrelated", BannedByID: mod.ID, BannedAt: base}))

	records, err := repo.ListByUser(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].Reason)
	assert.True(t, records[0].Permanent())
	assert.Equal(t, "first", records[1].Reason)
	require.NotNil(t, records[0].BannedBy)
	assert.Equal(t, mod.Username, records[0].BannedBy.Username)

	empty, err := repo.ListByUser(ctx, 12345)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
