package database

import (
	"testing"

	"webchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentModels_IncludesModerationTables(t *testing.T) {
	var sawBan, sawReport bool
	for _, model := range PersistentModels() {
		switch model.(type) {
		case *models.BanRecord:
			sawBan = true
		case *models.Report:
			sawReport = true
		}
	}
	require.True(t, sawBan, "PersistentModels should include BanRecord")
	assert.True(t, sawReport, "PersistentModels should include Report")
}
